package action

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"matrixci/internal/artifact"
	"matrixci/internal/coverage"
	errUtils "matrixci/internal/errors"
	"matrixci/internal/leg"
	"matrixci/internal/logger"
)

// Uploader sends coverage reports. *coverage.Uploader implements it.
type Uploader interface {
	Upload(ctx context.Context, r coverage.Report) error
}

// Deps are the sinks the built-in actions write to. A nil sink makes the
// corresponding action fail when it runs.
type Deps struct {
	Artifacts *artifact.Store
	Coverage  Uploader
}

// if-no-files-found values.
const (
	NoFilesError  = "error"
	NoFilesWarn   = "warn"
	NoFilesIgnore = "ignore"
)

func checkout(_ context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
	var out output
	dir := req.WorkDir
	if p := req.Step.With["path"]; p != "" {
		if filepath.IsAbs(p) {
			dir = p
		} else {
			dir = filepath.Join(req.WorkDir, p)
		}
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		out.errorf("work directory %s does not exist", dir)
		return out.result(1), nil
	}
	out.logf("using work tree %s", dir)
	return out.result(0), nil
}

func (d Deps) uploadCoverage(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
	var out output
	with := req.Step.With
	failOnError := parseBool(with["fail-ci-if-error"])

	fail := func(err error) (*leg.StepOutput, error) {
		if failOnError {
			out.errorf("coverage upload failed: %v", err)
			return out.result(1), nil
		}
		out.warnf("coverage upload failed: %v", err)
		return out.result(0), nil
	}

	if d.Coverage == nil {
		return fail(errUtils.ErrNoEndpoint)
	}

	patterns := splitList(with["files"])
	rel, err := artifact.Collect(req.WorkDir, patterns)
	if err != nil {
		return fail(err)
	}
	if len(rel) == 0 {
		return fail(errors.Wrapf(errUtils.ErrNoFilesFound, "%s", strings.Join(patterns, ", ")))
	}
	files := make([]string, len(rel))
	for i, f := range rel {
		files[i] = filepath.Join(req.WorkDir, filepath.FromSlash(f))
	}

	report := coverage.Report{
		Files:  files,
		Flags:  splitList(with["flags"]),
		Name:   req.Leg.ID,
		Commit: req.Env["MATRIXCI_SHA"],
		Branch: req.Event.Branch(),
		Token:  with["token"],
	}
	if err := d.Coverage.Upload(ctx, report); err != nil {
		logger.Warn("coverage upload failed", "leg", req.Leg.ID, "error", err)
		return fail(err)
	}
	out.logf("uploaded %d coverage report(s): %s", len(rel), strings.Join(rel, ", "))
	return out.result(0), nil
}

func (d Deps) uploadArtifact(_ context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
	var out output
	with := req.Step.With
	name := with["name"]
	mode := strings.ToLower(strings.TrimSpace(with["if-no-files-found"]))
	if mode == "" {
		mode = NoFilesWarn
	}
	switch mode {
	case NoFilesError, NoFilesWarn, NoFilesIgnore:
	default:
		out.errorf("if-no-files-found must be one of error, warn, ignore; got %q", mode)
		return out.result(1), nil
	}

	if d.Artifacts == nil {
		out.errorf("no artifact store configured")
		return out.result(1), nil
	}

	files, err := artifact.Collect(req.WorkDir, artifact.SplitPatterns(with["path"]))
	if err != nil {
		out.errorf("%v", err)
		return out.result(1), nil
	}
	if len(files) == 0 {
		switch mode {
		case NoFilesError:
			out.errorf("no files found for artifact %q with path %q", name, with["path"])
			return out.result(1), nil
		case NoFilesWarn:
			out.warnf("no files found for artifact %q with path %q; nothing uploaded", name, with["path"])
		}
		return out.result(0), nil
	}

	m, err := d.Artifacts.Put(req.RunID, name, req.Leg.ID, req.WorkDir, files)
	if err != nil {
		out.errorf("%v", err)
		return out.result(1), nil
	}
	out.logf("uploaded artifact %s: %d file(s), %d bytes", m.Name, len(m.Files), m.Size())
	return out.result(0, m.Name), nil
}

// splitList splits an input on newlines and commas.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
