package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"timebrowse/internal/mounts"
)

var mountsVerify bool

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "List mounted NILFS2 volumes and their checkpoint mounts",
	Long: `List every writable NILFS2 mount with the read-only checkpoint mounts
of the same device.

With --verify each mount point is also checked with statfs, which catches
stale mount table rows.`,
	Args: cobra.NoArgs,
	RunE: runMounts,
}

func init() {
	mountsCmd.Flags().BoolVar(&mountsVerify, "verify", false, "Check each mount point with statfs")
	rootCmd.AddCommand(mountsCmd)
}

// MountsResponse is the output of mounts
type MountsResponse struct {
	Volumes []mounts.Volume `json:"volumes" yaml:"volumes"`
	// Unverified lists mount points statfs does not report as NILFS2
	Unverified []string `json:"unverified,omitempty" yaml:"unverified,omitempty"`
}

func (r *MountsResponse) human(w io.Writer) error {
	if len(r.Volumes) == 0 {
		_, err := fmt.Fprintln(w, "No NILFS2 volumes mounted.")
		return err
	}
	for _, v := range r.Volumes {
		fmt.Fprintf(w, "%s on %s\n", v.Device, v.MountPoint)
		for _, root := range v.Checkpoints {
			fmt.Fprintf(w, "  cp %-10d %s\n", root.Number, root.MountPoint)
		}
	}
	for _, p := range r.Unverified {
		fmt.Fprintf(w, "warning: %s is not a NILFS2 mount\n", p)
	}
	return nil
}

func runMounts(cmd *cobra.Command, args []string) error {
	volumes, err := newLocator().List()
	if err != nil {
		return err
	}
	resp := &MountsResponse{Volumes: volumes}
	if resp.Volumes == nil {
		resp.Volumes = []mounts.Volume{}
	}

	if mountsVerify {
		for _, v := range volumes {
			points := []string{v.MountPoint}
			for _, root := range v.Checkpoints {
				points = append(points, root.MountPoint)
			}
			for _, p := range points {
				ok, err := mounts.IsNilfs(p)
				if err != nil {
					logger.Warn("statfs failed", "path", p, "error", err.Error())
				}
				if !ok {
					resp.Unverified = append(resp.Unverified, p)
				}
			}
		}
	}
	return printResponse(resp, resp.human)
}
