// Package extern is the JSON-over-stdin/stdout shim every cmd/* binary
// drives an external scientific tool through: CASA's gaincal/bandpass/
// applycal, AOFlagger, WSClean/tclean, and the pyuvdata-based UVH5->MS
// writer are all out of a Go program's reach per the project's Non-goals,
// so each one is modeled as a subprocess taking one op name and a JSON
// request on stdin and returning one JSON response on stdout.
package extern

import (
	"encoding/json"
	"fmt"

	"github.com/dsa110/contimg/internal/convert"
	"github.com/dsa110/contimg/internal/deploy"
	"github.com/dsa110/contimg/internal/model"
)

// Collaborator shells a single external-tool binary; every op-specific
// wrapper type in cmd/convert and cmd/worker embeds one.
type Collaborator struct {
	Binary  string
	Builder deploy.CommandBuilder
}

// NewCollaborator returns a Collaborator invoking binary. An empty binary is
// valid at construction time but fails at Invoke time, so a binary run
// without its external tool configured still parses its flags and exits
// with a clear error instead of panicking.
func NewCollaborator(binary string) *Collaborator {
	return &Collaborator{Binary: binary, Builder: deploy.NewRealCommandBuilder()}
}

type envelope struct {
	Op      string `json:"op"`
	Request any    `json:"request"`
}

// Invoke marshals req alongside op into a JSON envelope, runs it through the
// configured binary on stdin, and unmarshals the binary's stdout into resp
// (which may be nil for an op with no response payload).
func (c *Collaborator) Invoke(op string, req any, resp any) error {
	if c.Binary == "" {
		return fmt.Errorf("no external tool binary configured (op %q)", op)
	}
	payload, err := json.Marshal(envelope{Op: op, Request: req})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	cmd := c.Builder.BuildCommand(c.Binary)
	cmd.SetStdin(payload)
	out, err := cmd.Run()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", c.Binary, op, err, truncate(string(out), 2048))
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("parse %s response: %w", op, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// Transcoder implements convert.Transcoder by shelling out to the external
// UVH5->MS writer (CASA's pyuvdata-based writer in production).
type Transcoder struct{ *Collaborator }

func NewTranscoder(binary string) Transcoder {
	return Transcoder{NewCollaborator(binary)}
}

type transcodeRequest struct {
	ShardPaths     []string             `json:"shard_paths"`
	OutputDir      string               `json:"output_dir"`
	ScratchDir     string               `json:"scratch_dir"`
	Writer         string               `json:"writer"`
	ResourceLimits model.ResourceLimits `json:"resource_limits"`
}

func (t Transcoder) Transcode(shardPaths []string, outputDir, scratchDir string, writer model.WriterKind, limits model.ResourceLimits) (convert.TranscodeResult, error) {
	var result convert.TranscodeResult
	err := t.Invoke("transcode", transcodeRequest{
		ShardPaths: shardPaths, OutputDir: outputDir, ScratchDir: scratchDir,
		Writer: string(writer), ResourceLimits: limits,
	}, &result)
	return result, err
}
