package main

import "github.com/dsa110/contimg/internal/extern"

// ExecTranscoder shells out to the external UVH5->MS transcoder (CASA's
// pyuvdata-based writer in production) rather than performing the
// transcoding itself, which is out of a Go program's reach per the
// project's Non-goals. It is the same extern.Transcoder cmd/worker drives
// its in-process conversion stage through.
type ExecTranscoder = extern.Transcoder

// NewExecTranscoder returns an ExecTranscoder invoking binary. An empty
// binary is valid at construction time but fails at Transcode time, so a
// convert binary run without CONTIMG_TRANSCODER_CMD set still parses its
// flags and exits with a clear "no external tool binary configured" error
// instead of panicking.
var NewExecTranscoder = extern.NewTranscoder
