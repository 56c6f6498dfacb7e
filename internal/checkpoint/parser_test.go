package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tberrors "timebrowse/internal/errors"
)

const sampleLscp = `                 CNO        DATE     TIME  MODE  FLG      BLKCNT       ICNT
                   1  2011-01-18 13:40:36   cp    -           4          2
                   2  2011-01-18 13:40:36   ss    -          11          3
                   3  2011-01-18 13:41:02   cp    i          11          3
                   4  2011-01-18 13:42:10   cp    -          12          3
`

func TestParserParsesLscpOutput(t *testing.T) {
	p := &Parser{Location: time.UTC}

	records, err := p.Parse(sampleLscp)
	require.NoError(t, err)
	require.Len(t, records, 3, "invalid row 3 must be dropped")

	assert.Equal(t, uint64(1), records[0].Number)
	assert.False(t, records[0].Snapshot)
	assert.Equal(t, time.Date(2011, 1, 18, 13, 40, 36, 0, time.UTC), records[0].Time)

	assert.Equal(t, uint64(2), records[1].Number)
	assert.True(t, records[1].Snapshot)

	assert.Equal(t, uint64(4), records[2].Number)
}

func TestParserHonoursLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	p := &Parser{Location: tokyo}

	records, err := p.Parse("5 2011-01-18 13:40:36 cp - 1 1\n")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, time.Date(2011, 1, 18, 4, 40, 36, 0, time.UTC), records[0].Time.UTC())
}

func TestParserLenientSkipsMalformedRows(t *testing.T) {
	input := `1 2011-01-18 13:40:36 cp - 4 2
x 2011-01-18 13:40:37 cp - 4 2
0 2011-01-18 13:40:37 cp - 4 2
2 2011-01-18 25:00:00 cp - 4 2
3 2011-01-18 13:40:38 zz - 4 2
4 2011-01-18 13:40:39
5 2011-01-18 13:40:40 ss - 4 2
`
	var skipped []*tberrors.TimebrowseError
	p := &Parser{Location: time.UTC, OnSkip: func(err *tberrors.TimebrowseError) {
		skipped = append(skipped, err)
	}}

	records, err := p.Parse(input)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Number)
	assert.Equal(t, uint64(5), records[1].Number)

	require.Len(t, skipped, 5)
	for _, s := range skipped {
		assert.Equal(t, tberrors.ParseError, s.Code)
	}
	assert.Equal(t, 2, skipped[0].Details.(map[string]interface{})["line"])
}

func TestParserStrictAborts(t *testing.T) {
	p := &Parser{Strict: true, Location: time.UTC}

	records, err := p.Parse("1 2011-01-18 13:40:36 cp - 4 2\nbogus row here now ok\n")
	require.Error(t, err)
	assert.Nil(t, records)
	assert.True(t, tberrors.Is(err, tberrors.ParseError))
}

func TestParserEmptyInput(t *testing.T) {
	p := &Parser{}

	records, err := p.Parse("")
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = p.Parse("  CNO  DATE TIME MODE FLG BLKCNT ICNT\n\n")
	require.NoError(t, err)
	assert.Empty(t, records)
}
