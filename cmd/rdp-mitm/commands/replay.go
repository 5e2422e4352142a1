// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/x-stp/rdp-mitm-go/pkg/bitmap"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

var replaySnapshot string

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Summarize a recorded session",
	Long: `Replay a session recording and print what it captured: credentials,
typed text, clipboard contents, redirected devices and extracted files.

Examples:
  # Print the summary of a recording
  rdp-mitm replay output/replays/20250101-120000_6f1c2a9e.replay

  # Also render the last known screen contents
  rdp-mitm replay session.replay --snapshot screen.png`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replaySnapshot, "snapshot", "", "write the screen rebuilt from bitmap updates to this PNG file")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	summary := recording.NewSummary()
	handlers := recording.MultiHandler{summary}
	var canvas *bitmap.Canvas
	if replaySnapshot != "" {
		canvas = bitmap.NewCanvas()
		handlers = append(handlers, canvas)
	}

	replayErr := recording.Replay(recording.NewReader(f), handlers)
	summary.Finish()
	if err := summary.Write(cmd.OutOrStdout()); err != nil {
		return err
	}
	// a truncated recording still has a useful summary
	if replayErr != nil {
		return fmt.Errorf("replay stopped early: %w", replayErr)
	}

	if canvas != nil {
		if err := canvas.SavePNG(replaySnapshot); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nsnapshot: %s (%d rectangles drawn, %d skipped)\n", replaySnapshot, canvas.Drawn, canvas.Skipped)
	}
	return nil
}
