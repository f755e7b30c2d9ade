package tmgbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/lmittmann/tint"
)

// LatexRenderer renders LaTeX to PNG images.
type LatexRenderer interface {
	// RenderMath renders a formula in display math mode
	RenderMath(ctx context.Context, formula string) ([]byte, error)

	// RenderText renders text mode LaTeX, which may contain $...$ math
	RenderText(ctx context.Context, text string) ([]byte, error)
}

const latexDocumentTemplate = `\documentclass[preview,border=2pt]{standalone}
\usepackage[utf8]{inputenc}
\usepackage[T1]{fontenc}
\usepackage{amsmath}
\usepackage{amssymb}
\usepackage{xcolor}
\begin{document}
\color{white}
%s
\end{document}
`

// latexCLI renders with the latex and dvipng binaries, in a temporary
// directory per render.
type latexCLI struct {
	config *LatexConfig
	logger *slog.Logger
}

func newLatexCLI(config *LatexConfig, logger *slog.Logger) *latexCLI {
	return &latexCLI{config: config, logger: logger.With(loggerNameKey, "latex")}
}

func (l *latexCLI) RenderMath(ctx context.Context, formula string) ([]byte, error) {
	return l.render(ctx, "$\\displaystyle "+formula+"$")
}

func (l *latexCLI) RenderText(ctx context.Context, text string) ([]byte, error) {
	return l.render(ctx, text)
}

func (l *latexCLI) render(ctx context.Context, body string) ([]byte, error) {
	if l.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "tmgbot-latex-")
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			l.logger.Warn("error removing latex dir", "dir", dir, tint.Err(rmErr))
		}
	}()

	texFile := filepath.Join(dir, "render.tex")
	if err = os.WriteFile(texFile, []byte(fmt.Sprintf(latexDocumentTemplate, body)), 0o600); err != nil {
		return nil, err
	}

	if err = l.run(ctx, dir, l.config.LatexBin, latexArgs("render.tex")...); err != nil {
		return nil, fmt.Errorf("latex failed: %w", err)
	}

	if err = l.run(
		ctx,
		dir,
		l.config.DvipngBin,
		"-D", strconv.Itoa(l.config.DPI),
		"-T", "tight",
		"-bg", "Transparent",
		"-q",
		"-o", "render.png",
		"render.dvi",
	); err != nil {
		return nil, fmt.Errorf("dvipng failed: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "render.png"))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty latex render")
	}
	return data, nil
}

// latexSandboxEnv keeps kpathsea from reading or writing files outside
// the render directory, so formulas can't \input or \openout arbitrary
// paths.
var latexSandboxEnv = []string{"openin_any=p", "openout_any=p"}

func latexArgs(texFile string) []string {
	return []string{
		"-no-shell-escape",
		"-interaction=nonstopmode",
		"-halt-on-error",
		texFile,
	}
}

func (l *latexCLI) command(ctx context.Context, dir string, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), latexSandboxEnv...)
	return cmd
}

func (l *latexCLI) run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := l.command(ctx, dir, name, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		l.logger.DebugContext(ctx, "command output", "command", name, "output", output.String())
		return err
	}
	return nil
}
