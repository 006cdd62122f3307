package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/clubcord/doorman/doorman"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := doorman.Version
	originalCommitSHA := doorman.CommitSHA
	originalBuildTime := doorman.BuildTime

	t.Cleanup(
		func() {
			doorman.Version = originalVersion
			doorman.CommitSHA = originalCommitSHA
			doorman.BuildTime = originalBuildTime
		},
	)

	doorman.Version = "1.0.0"
	doorman.CommitSHA = "abc123"
	doorman.BuildTime = "2026-08-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", output)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		doorman.Version,
		doorman.CommitSHA,
		doorman.BuildTime,
	)
	assert.Equal(t, expected, output)
}
