package browseragent

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"taskweave/internal/logging"
)

// Driver is the browser control surface the agent loop drives. rod backs
// the real one; tests substitute a fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, x, y float64) error
	DoubleClick(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, dx, dy float64) error
	Type(ctx context.Context, text string) error
	Keypress(ctx context.Context, keys []string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// RodDriver drives a launcher-managed Chrome over the devtools protocol.
type RodDriver struct {
	browser *rod.Browser
	page    *rod.Page
	cleanup func()
}

// NewRodDriver launches Chrome and opens a blank page. The browser is
// headful unless configured otherwise: the whole point of the agent is a
// window the user can watch.
func NewRodDriver(headless bool) (*RodDriver, error) {
	l := launcher.New().Headless(headless)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width: 1280, Height: 800, DeviceScaleFactor: 1,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("viewport override failed: %v", err)
	}

	logging.Browser("chrome launched (headless=%v)", headless)
	return &RodDriver{browser: browser, page: page, cleanup: l.Cleanup}, nil
}

func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return p.WaitLoad()
}

func (d *RodDriver) Click(ctx context.Context, x, y float64) error {
	p := d.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return err
	}
	return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (d *RodDriver) DoubleClick(ctx context.Context, x, y float64) error {
	p := d.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return err
	}
	return p.Mouse.Click(proto.InputMouseButtonLeft, 2)
}

func (d *RodDriver) Scroll(ctx context.Context, dx, dy float64) error {
	return d.page.Context(ctx).Mouse.Scroll(dx, dy, 4)
}

func (d *RodDriver) Type(ctx context.Context, text string) error {
	return d.page.Context(ctx).InsertText(text)
}

// namedKeys maps the model's key vocabulary onto devtools input keys.
var namedKeys = map[string]input.Key{
	"enter":     input.Enter,
	"return":    input.Enter,
	"tab":       input.Tab,
	"escape":    input.Escape,
	"esc":       input.Escape,
	"backspace": input.Backspace,
	"delete":    input.Delete,
	"space":     input.Space,
	"up":        input.ArrowUp,
	"down":      input.ArrowDown,
	"left":      input.ArrowLeft,
	"right":     input.ArrowRight,
	"pageup":    input.PageUp,
	"pagedown":  input.PageDown,
	"home":      input.Home,
	"end":       input.End,
}

func (d *RodDriver) Keypress(ctx context.Context, keys []string) error {
	p := d.page.Context(ctx)
	for _, k := range keys {
		lower := strings.ToLower(strings.TrimSpace(k))
		if key, ok := namedKeys[lower]; ok {
			if err := p.Keyboard.Press(key); err != nil {
				return err
			}
			continue
		}
		runes := []rune(k)
		if len(runes) == 1 {
			if err := p.Keyboard.Press(input.Key(runes[0])); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("unknown key %q", k)
	}
	return nil
}

func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, nil)
}

func (d *RodDriver) Close() error {
	err := d.browser.Close()
	if d.cleanup != nil {
		d.cleanup()
	}
	return err
}
