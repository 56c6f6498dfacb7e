package checkpoint

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	tberrors "timebrowse/internal/errors"
)

const (
	// TimeLayout is the DATE TIME layout printed by lscp.
	TimeLayout = "2006-01-02 15:04:05"

	// ModeSnapshot marks a checkpoint protected from reclamation.
	ModeSnapshot = "ss"
	// ModeCheckpoint marks a plain, reclaimable checkpoint.
	ModeCheckpoint = "cp"

	// flagInvalid marks a checkpoint that is being reclaimed.
	flagInvalid = "i"
)

// Parser turns lscp output into records.
//
// In lenient mode (the default) a malformed row is skipped and reported to
// OnSkip. In strict mode the first malformed row aborts the parse. Either way
// the policy covers every row of a single Parse call.
type Parser struct {
	Strict   bool
	Location *time.Location
	OnSkip   func(err *tberrors.TimebrowseError)
}

// Parse parses a full lscp listing.
func (p *Parser) Parse(output string) ([]Record, error) {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}

	var records []Record
	scanner := bufio.NewScanner(strings.NewReader(output))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || isHeader(fields) {
			continue
		}

		rec, valid, err := parseRow(fields, loc)
		if err != nil {
			perr := tberrors.New(tberrors.ParseError, err.Error(), nil).
				WithDetails(map[string]interface{}{
					"line": lineNo,
					"text": scanner.Text(),
				})
			if p.Strict {
				return nil, perr
			}
			if p.OnSkip != nil {
				p.OnSkip(perr)
			}
			continue
		}
		if valid {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, tberrors.New(tberrors.ParseError, "failed to read lscp output", err)
	}

	return records, nil
}

// isHeader recognises the "CNO DATE TIME MODE FLG ..." title line.
func isHeader(fields []string) bool {
	return strings.EqualFold(fields[0], "CNO")
}

type rowError string

func (e rowError) Error() string { return string(e) }

// parseRow returns valid=false for rows flagged invalid.
func parseRow(fields []string, loc *time.Location) (Record, bool, error) {
	if len(fields) < 5 {
		return Record{}, false, rowError("expected at least 5 fields")
	}

	number, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil || number == 0 {
		return Record{}, false, rowError("invalid checkpoint number " + strconv.Quote(fields[0]))
	}

	ts, err := time.ParseInLocation(TimeLayout, fields[1]+" "+fields[2], loc)
	if err != nil {
		return Record{}, false, rowError("invalid timestamp " + strconv.Quote(fields[1]+" "+fields[2]))
	}

	var snapshot bool
	switch fields[3] {
	case ModeSnapshot:
		snapshot = true
	case ModeCheckpoint:
	default:
		return Record{}, false, rowError("unknown mode " + strconv.Quote(fields[3]))
	}

	if fields[4] == flagInvalid {
		return Record{}, false, nil
	}

	return Record{Number: number, Time: ts, Snapshot: snapshot}, true, nil
}
