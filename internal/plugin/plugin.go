package plugin

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mkprint/internal/config"
	"mkprint/internal/escpos"
	"mkprint/internal/job"
	"mkprint/internal/printer"
)

// PrinterInfo is one entry of ListPairedPrinters.
type PrinterInfo struct {
	Name       string  `json:"name"`
	MACAddress string  `json:"macAddress"`
	ID         string  `json:"id"`
	Class      *uint32 `json:"class,omitempty"`
}

// CurrentPrinter is the result of GetCurrentPrinter. Both fields are nil
// when no printer is connected or Bluetooth permission is missing.
type CurrentPrinter struct {
	Name       *string `json:"name"`
	MACAddress *string `json:"macAddress"`
}

// BarcodeRequest is the host-facing form of a barcode job.
type BarcodeRequest struct {
	Symbology   string `json:"symbology"`
	Data        string `json:"data"`
	ModuleWidth int    `json:"moduleWidth"`
	Height      int    `json:"height"`
	TextPos     int    `json:"textHeight"` // HRI position: 0 none, 1 above, 2 below, 3 both
}

// Plugin exposes the printer operations to a host application.
type Plugin struct {
	manager  *printer.Manager
	registry printer.Registry
	radio    printer.Radio
	jobs     *job.Orchestrator
	log      *zap.Logger
}

func New(manager *printer.Manager, registry printer.Registry, radio printer.Radio, jobs *job.Orchestrator, log *zap.Logger) *Plugin {
	if log == nil {
		log = zap.NewNop()
	}
	return &Plugin{
		manager:  manager,
		registry: registry,
		radio:    radio,
		jobs:     jobs,
		log:      log,
	}
}

// Open wires the platform registry and transport selected by cfg.
func Open(cfg config.Config, store printer.Store, log *zap.Logger) *Plugin {
	if log == nil {
		log = zap.NewNop()
	}
	registry := printer.NewRegistry()
	transport := printer.NewTransport(cfg.Transport, cfg.Channel, cfg.Serial())

	manager := printer.NewManager(registry, transport, store,
		printer.WithLogger(log.Named("printer")),
		printer.WithConnectPolicy(cfg.ConnectAttempts, cfg.ConnectInterval))
	jobs := job.NewOrchestrator(manager,
		job.WithLogger(log.Named("job")),
		job.WithEncoder(job.Encoder{Width: cfg.PrinterWidth, Charset: cfg.Charset}),
		job.WithAutoResume(cfg.AutoResume))

	log.Info("plugin ready",
		zap.String("transport", cfg.Transport),
		zap.Int("width", cfg.PrinterWidth),
		zap.String("charset", string(cfg.Charset)))
	return New(manager, registry, printer.NewRadio(), jobs, log)
}

func (p *Plugin) PrintText(ctx context.Context, text string) error {
	return p.submit(ctx, job.Text(text))
}

func (p *Plugin) PrintStyledText(ctx context.Context, text string, style job.Style) error {
	return p.submit(ctx, job.StyledText(text, style))
}

// PrintImage prints a base64 image scaled to the head width. Decoding and
// scaling run off the calling goroutine.
func (p *Plugin) PrintImage(ctx context.Context, base64Image string) error {
	return p.submit(ctx, job.Image(base64Image))
}

func (p *Plugin) PrintBarcode(ctx context.Context, req BarcodeRequest) error {
	sym, err := escpos.ParseSymbology(req.Symbology)
	if err != nil {
		return fmt.Errorf("%w: %w", escpos.ErrBarcodeDataInvalid, err)
	}
	return p.submit(ctx, job.Barcode(escpos.Barcode{
		Symbology:   sym,
		Data:        req.Data,
		ModuleWidth: req.ModuleWidth,
		Height:      req.Height,
		HRI:         escpos.HRIPosition(req.TextPos),
	}))
}

// PrintRaw sends data after a printer reset. Nothing is validated.
func (p *Plugin) PrintRaw(ctx context.Context, data []byte) error {
	return p.submit(ctx, job.Raw(data))
}

// PrintFirmware sends a firmware update image.
func (p *Plugin) PrintFirmware(ctx context.Context, image []byte) error {
	p.log.Warn("sending firmware image", zap.Int("bytes", len(image)))
	return p.submit(ctx, job.Raw(image))
}

func (p *Plugin) PrintTestPage(ctx context.Context) error {
	return p.submit(ctx, job.TestPage())
}

func (p *Plugin) ListPairedPrinters(ctx context.Context) ([]PrinterInfo, error) {
	devices, err := printer.ListPaired(ctx, p.registry)
	if err != nil {
		return nil, err
	}

	infos := make([]PrinterInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, printerInfo(d))
	}
	return infos, nil
}

// FindPrinter returns the first paired device accepted by match. Devices
// listed after the match are ignored.
func (p *Plugin) FindPrinter(ctx context.Context, match func(PrinterInfo) bool) (PrinterInfo, bool, error) {
	dev, ok, err := printer.FirstMatch(ctx, printer.Discover(ctx, p.registry), func(d printer.Device) bool {
		return match == nil || match(printerInfo(d))
	})
	if err != nil || !ok {
		return PrinterInfo{}, false, err
	}
	return printerInfo(dev), true, nil
}

func printerInfo(d printer.Device) PrinterInfo {
	info := PrinterInfo{Name: d.Name, MACAddress: d.Address, ID: d.Address}
	if d.Class != 0 {
		class := d.Class
		info.Class = &class
	}
	return info
}

func (p *Plugin) ConnectPrinter(ctx context.Context, macAddress string) error {
	_, err := p.manager.Connect(ctx, macAddress)
	return err
}

func (p *Plugin) DisconnectPrinter(ctx context.Context) error {
	return p.manager.Disconnect(ctx)
}

func (p *Plugin) GetCurrentPrinter(ctx context.Context) CurrentPrinter {
	dev, ok := p.manager.Current(ctx)
	if !ok {
		return CurrentPrinter{}
	}
	name, address := dev.Name, dev.Address
	return CurrentPrinter{Name: &name, MACAddress: &address}
}

func (p *Plugin) RequestEnableRadio(ctx context.Context) error {
	return p.radio.RequestEnable(ctx)
}

func (p *Plugin) OpenRadioSettings(ctx context.Context) error {
	return p.radio.OpenSettings(ctx)
}

// Close waits for in-flight jobs and drops the link. The saved printer is
// kept for the next session.
func (p *Plugin) Close() error {
	p.jobs.Wait()
	return p.manager.Close()
}

func (p *Plugin) submit(ctx context.Context, j job.Job) error {
	_, err := p.jobs.Submit(ctx, j)
	return err
}
