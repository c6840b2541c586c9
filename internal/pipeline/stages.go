package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"media-transcribe-go/internal/invoker"
	"media-transcribe-go/internal/workspace"
)

// Stage is one step of a run. Execute registers every path it creates with
// run.Paths before invoking its tool, and returns either an artifact or a
// *Error.
type Stage interface {
	Name() StageName
	Execute(ctx context.Context, run *Run, in Artifact) (Artifact, error)
}

// Tool is one configured executable.
type Tool struct {
	Path    string
	Timeout time.Duration
}

// Whisper holds the fixed speech-recognition parameters.
type Whisper struct {
	Model    string
	Language string
}

const transcriptFormat = "txt"

// acquireStage produces the source media file.
type acquireStage struct {
	ws     *workspace.Workspace
	runner invoker.Runner
	tool   Tool
	stat   func(string) (os.FileInfo, error)
}

func (s *acquireStage) Name() StageName { return StageAcquire }

func (s *acquireStage) Execute(ctx context.Context, run *Run, _ Artifact) (Artifact, error) {
	req := run.Request
	switch req.Kind {
	case SourceUpload:
		// the upload is already on disk; it still belongs to this run
		run.Paths.Register(req.Source)
		if _, err := s.stat(req.Source); err != nil {
			return Artifact{}, &Error{
				Kind:    KindAcquisitionFailed,
				Stage:   StageAcquire,
				Message: "uploaded file is not accessible",
				Err:     err,
			}
		}
		return Artifact{Role: RoleSourceMedia, Path: req.Source, Token: run.Token}, nil

	case SourceURL:
		dest := s.ws.Path(run.Token, "source")
		// registered before the download so a partial file is still removed
		for _, p := range downloadSidecars(dest) {
			run.Paths.Register(p)
		}

		res, err := s.runner.Run(ctx, invoker.Command{
			Name:    s.tool.Path,
			Args:    buildDownloadArgs(dest, req.Source),
			Timeout: s.tool.Timeout,
		})
		run.record(res)
		if err != nil {
			return Artifact{}, toolError(StageAcquire, KindAcquisitionFailed, res, err)
		}
		if _, err := s.stat(dest); err != nil {
			return Artifact{}, &Error{
				Kind:       KindAcquisitionFailed,
				Stage:      StageAcquire,
				Message:    "media download produced no file",
				Invocation: &res,
				Err:        err,
			}
		}
		return Artifact{Role: RoleSourceMedia, Path: dest, Token: run.Token}, nil
	}
	return Artifact{}, invalidInput(fmt.Sprintf("unknown source kind %q", req.Kind))
}

// extractStage converts the source media into mono 16kHz PCM WAV.
type extractStage struct {
	ws     *workspace.Workspace
	runner invoker.Runner
	tool   Tool
	stat   func(string) (os.FileInfo, error)
}

func (s *extractStage) Name() StageName { return StageExtract }

func (s *extractStage) Execute(ctx context.Context, run *Run, in Artifact) (Artifact, error) {
	out := s.ws.Path(run.Token, "audio.wav")
	run.Paths.Register(out)

	res, err := s.runner.Run(ctx, invoker.Command{
		Name:    s.tool.Path,
		Args:    buildExtractArgs(in.Path, out),
		Timeout: s.tool.Timeout,
	})
	run.record(res)
	if err != nil {
		return Artifact{}, toolError(StageExtract, KindExtractionFailed, res, err)
	}
	if _, err := s.stat(out); err != nil {
		return Artifact{}, &Error{
			Kind:       KindExtractionFailed,
			Stage:      StageExtract,
			Message:    "audio extraction produced no file",
			Invocation: &res,
			Err:        err,
		}
	}
	return Artifact{Role: RoleAudio, Path: out, Token: run.Token}, nil
}

// transcribeStage runs speech recognition and reads the transcript back.
type transcribeStage struct {
	runner   invoker.Runner
	tool     Tool
	whisper  Whisper
	readFile func(string) ([]byte, error)
}

func (s *transcribeStage) Name() StageName { return StageTranscribe }

func (s *transcribeStage) Execute(ctx context.Context, run *Run, in Artifact) (Artifact, error) {
	textPath := transcriptPath(in.Path)
	run.Paths.Register(textPath)

	res, err := s.runner.Run(ctx, invoker.Command{
		Name:    s.tool.Path,
		Args:    buildTranscribeArgs(in.Path, s.whisper),
		Timeout: s.tool.Timeout,
	})
	run.record(res)
	if err != nil {
		return Artifact{}, toolError(StageTranscribe, KindTranscriptionFailed, res, err)
	}

	content, err := s.readFile(textPath)
	if err != nil {
		msg := "transcript could not be read"
		if errors.Is(err, os.ErrNotExist) {
			msg = "transcription produced no transcript"
		}
		return Artifact{}, &Error{
			Kind:       KindTranscriptUnreadable,
			Stage:      StageTranscribe,
			Message:    msg,
			Invocation: &res,
			Err:        err,
		}
	}
	return Artifact{
		Role:  RoleTranscript,
		Path:  textPath,
		Token: run.Token,
		Text:  strings.TrimSpace(string(content)),
	}, nil
}

// downloadSidecars lists the destination and the files the downloader may
// leave next to it while a transfer is in progress.
func downloadSidecars(dest string) []string {
	return []string{dest, dest + ".part", dest + ".ytdl"}
}

// buildDownloadArgs fetches the best audio-only stream of one video into
// dest. "--" ends option parsing so the URL is never read as a flag.
func buildDownloadArgs(dest, url string) []string {
	return []string{
		"--no-playlist",
		"--no-progress",
		"-f", "bestaudio/best",
		"-o", dest,
		"--",
		url,
	}
}

// buildExtractArgs builds the ffmpeg args for mono 16k PCM WAV output, which
// is what the transcribe stage expects regardless of the source format.
func buildExtractArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildTranscribeArgs writes "<stem>.txt" next to the audio file.
func buildTranscribeArgs(audioPath string, w Whisper) []string {
	return []string{
		audioPath,
		"--model", w.Model,
		"--language", w.Language,
		"--output_format", transcriptFormat,
		"--output_dir", filepath.Dir(audioPath),
	}
}

// transcriptPath is where the recognizer writes the transcript for audioPath.
func transcriptPath(audioPath string) string {
	return strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + "." + transcriptFormat
}
