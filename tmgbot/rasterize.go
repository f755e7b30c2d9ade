package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/lmittmann/tint"
)

const rasterizeDocument = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><style>html,body{margin:0;padding:0;background:#000;overflow:hidden}svg{display:block}</style></head>
<body>%s</body></html>`

// Rasterizer renders an SVG document to a PNG image of the given size.
type Rasterizer interface {
	Rasterize(ctx context.Context, svg string, width, height int) ([]byte, error)
}

// rodRasterizer renders with a headless browser, launched on first use
// and reused afterward.
type rodRasterizer struct {
	bin      string
	logger   *slog.Logger
	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

func newRodRasterizer(bin string, logger *slog.Logger) *rodRasterizer {
	return &rodRasterizer{bin: bin, logger: logger.With(loggerNameKey, "rasterizer")}
}

func (r *rodRasterizer) connect(ctx context.Context) (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().Headless(true)
	if r.bin != "" {
		l = l.Bin(r.bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	// The browser outlives the render that started it
	browser := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err = browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	r.logger.InfoContext(ctx, "browser started", "control_url", controlURL)
	r.launcher = l
	r.browser = browser
	return browser, nil
}

func (r *rodRasterizer) Rasterize(ctx context.Context, svg string, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("invalid image size")
	}
	browser, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		r.reset(ctx)
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	defer func() {
		if closeErr := incognito.Close(); closeErr != nil {
			r.logger.WarnContext(ctx, "error closing browser context", tint.Err(closeErr))
		}
	}()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page = page.Context(ctx)

	if err = (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if err = page.SetDocumentContent(fmt.Sprintf(rasterizeDocument, svg)); err != nil {
		return nil, fmt.Errorf("set content: %w", err)
	}
	if err = page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}
	data, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return data, nil
}

// reset drops a broken browser, so the next render launches a new one
func (r *rodRasterizer) reset(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(ctx)
}

func (r *rodRasterizer) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(ctx)
}

func (r *rodRasterizer) closeLocked(ctx context.Context) {
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			r.logger.WarnContext(ctx, "error closing browser", tint.Err(err))
		}
		r.browser = nil
	}
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
}
