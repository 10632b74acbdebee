package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/storage"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"

	"mkprint/internal/config"
	"mkprint/internal/escpos"
	"mkprint/internal/job"
	"mkprint/internal/logging"
	"mkprint/internal/plugin"
	"mkprint/internal/raster"
)

const (
	AppID      = "com.mkprint.desktop"
	AppVersion = "1.0.0"
	AppName    = "MK Thermal Print"
)

type App struct {
	fyneApp fyne.App
	window  fyne.Window
	plugin  *plugin.Plugin
	log     *zap.Logger
	cfg     config.Config

	printers []plugin.PrinterInfo

	// Text tab
	textEntry *widget.Entry
	style     job.Style

	// Image tab
	imageB64 string

	// Barcode tab
	symbology    escpos.Symbology
	barcodeEntry *widget.Entry

	// Widgets that need updating
	statusLabel   *widget.Label
	printerSelect *widget.Select
	connectBtn    *widget.Button
	refreshBtn    *widget.Button
	printBtn      *widget.Button
	tabs          *container.AppTabs
	previewImg    *canvas.Image
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	a := app.NewWithID(AppID)
	w := a.NewWindow(fmt.Sprintf("%s v%s", AppName, AppVersion))
	w.Resize(fyne.NewSize(700, 560))

	mk := &App{
		fyneApp:   a,
		window:    w,
		log:       log,
		cfg:       cfg,
		plugin:    plugin.Open(cfg, plugin.NewPreferenceStore(a.Preferences()), log),
		symbology: escpos.CODE128,
	}

	w.SetMainMenu(mk.buildMenu())
	w.SetContent(mk.buildUI())
	w.SetOnClosed(mk.cleanup)
	w.ShowAndRun()
}

func (a *App) buildMenu() *fyne.MainMenu {
	enableItem := fyne.NewMenuItem("Turn On Bluetooth", func() {
		go a.run("Bluetooth enabled", a.plugin.RequestEnableRadio)
	})
	settingsItem := fyne.NewMenuItem("Bluetooth Settings", func() {
		go a.run("", a.plugin.OpenRadioSettings)
	})
	testItem := fyne.NewMenuItem("Print Test Page", func() {
		go a.run("Test page printed", a.plugin.PrintTestPage)
	})
	firmwareItem := fyne.NewMenuItem("Send Firmware...", a.sendFirmware)

	aboutItem := fyne.NewMenuItem("About", a.showAboutDialog)

	return fyne.NewMainMenu(
		fyne.NewMenu("Printer", enableItem, settingsItem, fyne.NewMenuItemSeparator(), testItem, firmwareItem),
		fyne.NewMenu("Help", aboutItem),
	)
}

func (a *App) showAboutDialog() {
	content := container.NewVBox(
		widget.NewLabelWithStyle(AppName, fyne.TextAlignCenter, fyne.TextStyle{Bold: true}),
		widget.NewLabel(fmt.Sprintf("Version %s", AppVersion)),
		widget.NewSeparator(),
		widget.NewLabel("Prints text, images and barcodes on 58mm\nBluetooth ESC/POS receipt printers."),
		widget.NewHyperlink("ESC/POS command reference", parseURL("https://download4.epson.biz/sec_pubs/pos/reference_en/escpos/")),
		widget.NewLabel(""),
		widget.NewLabel("Built with Fyne and Go"),
	)

	dialog.ShowCustom("About", "Close", content, a.window)
}

func parseURL(urlStr string) *url.URL {
	u, _ := url.Parse(urlStr)
	return u
}

func (a *App) cleanup() {
	if err := a.plugin.Close(); err != nil {
		a.log.Warn("close printer", zap.Error(err))
	}
}

func (a *App) buildUI() fyne.CanvasObject {
	a.statusLabel = widget.NewLabel("Not connected")

	// === PRINTER SECTION ===
	a.printerSelect = widget.NewSelect([]string{}, func(string) {})
	a.refreshBtn = widget.NewButton("↻", func() {
		go a.refreshPrinters()
	})
	a.connectBtn = widget.NewButton("Connect", a.toggleConnection)

	printerRow := container.NewBorder(
		nil, nil, nil,
		container.NewHBox(a.refreshBtn, a.connectBtn),
		a.printerSelect,
	)

	a.printBtn = widget.NewButton("Print", a.print)
	a.printBtn.Importance = widget.HighImportance

	info := widget.NewForm(
		widget.NewFormItem("Width", widget.NewLabel(fmt.Sprintf("%d dots", a.cfg.PrinterWidth))),
		widget.NewFormItem("Charset", widget.NewLabel(string(a.cfg.Charset))),
		widget.NewFormItem("Transport", widget.NewLabel(a.cfg.Transport)),
	)

	leftPanel := container.NewVBox(
		widget.NewLabel("Bluetooth Printer:"),
		printerRow,
		widget.NewSeparator(),
		info,
		widget.NewSeparator(),
		a.printBtn,
	)

	a.previewImg = canvas.NewImageFromImage(nil)
	a.previewImg.SetMinSize(fyne.NewSize(240, 300))
	a.previewImg.FillMode = canvas.ImageFillContain

	a.tabs = container.NewAppTabs(
		container.NewTabItem("Text", a.buildTextTab()),
		container.NewTabItem("Image", a.buildImageTab()),
		container.NewTabItem("Barcode", a.buildBarcodeTab()),
	)

	rightPanel := container.NewBorder(
		a.tabs,
		nil, nil, nil,
		container.NewCenter(a.previewImg),
	)

	content := container.NewHSplit(leftPanel, rightPanel)
	content.SetOffset(0.38)

	go a.refreshPrinters()
	a.updateStatus()

	return container.NewBorder(
		nil,
		container.NewHBox(a.statusLabel),
		nil, nil,
		content,
	)
}

func (a *App) buildTextTab() fyne.CanvasObject {
	a.textEntry = widget.NewMultiLineEntry()
	a.textEntry.SetPlaceHolder("Enter receipt text...")
	a.textEntry.SetMinRowsVisible(4)
	a.textEntry.OnChanged = func(string) {
		a.updateTextPreview()
	}

	alignSelect := widget.NewSelect([]string{"Left", "Center", "Right"}, func(s string) {
		switch s {
		case "Center":
			a.style.Align = escpos.AlignCenter
		case "Right":
			a.style.Align = escpos.AlignRight
		default:
			a.style.Align = escpos.AlignLeft
		}
		a.updateTextPreview()
	})
	alignSelect.SetSelected("Left")

	sizeSlider := widget.NewSlider(1, 4)
	sizeSlider.Value = 1
	sizeSlider.OnChanged = func(f float64) {
		a.style.Width = int(f)
		a.style.Height = int(f)
		a.updateTextPreview()
	}

	boldCheck := widget.NewCheck("Bold", func(b bool) {
		a.style.Bold = b
	})
	underlineCheck := widget.NewCheck("Underline", func(b bool) {
		if b {
			a.style.Underline = 1
		} else {
			a.style.Underline = 0
		}
	})

	return container.NewVBox(
		a.textEntry,
		widget.NewForm(
			widget.NewFormItem("Align", alignSelect),
			widget.NewFormItem("Size", sizeSlider),
			widget.NewFormItem("", container.NewHBox(boldCheck, underlineCheck)),
		),
	)
}

func (a *App) buildImageTab() fyne.CanvasObject {
	loadBtn := widget.NewButton("Load Image", a.loadImage)
	return container.NewVBox(
		loadBtn,
		widget.NewLabel(fmt.Sprintf("Images are scaled to %d dots wide.", a.cfg.PrinterWidth)),
	)
}

func (a *App) buildBarcodeTab() fyne.CanvasObject {
	names := make([]string, len(escpos.Symbologies))
	for i, s := range escpos.Symbologies {
		names[i] = s.String()
	}
	symbologySelect := widget.NewSelect(names, func(s string) {
		if sym, err := escpos.ParseSymbology(s); err == nil {
			a.symbology = sym
		}
	})
	symbologySelect.SetSelected(a.symbology.String())

	a.barcodeEntry = widget.NewEntry()
	a.barcodeEntry.SetPlaceHolder("Barcode data")

	return widget.NewForm(
		widget.NewFormItem("Symbology", symbologySelect),
		widget.NewFormItem("Data", a.barcodeEntry),
	)
}

// refreshPrinters lists paired devices and preselects the first one that
// looks like a printer.
func (a *App) refreshPrinters() {
	a.statusLabel.SetText("Listing paired devices...")

	infos, err := a.plugin.ListPairedPrinters(context.Background())
	if err != nil {
		a.statusLabel.SetText(fmt.Sprintf("Listing failed: %v", err))
		return
	}
	a.printers = infos

	options := make([]string, len(infos))
	for i, p := range infos {
		options[i] = printerLabel(p)
	}

	a.printerSelect.Options = options
	if len(options) > 0 {
		selected := options[0]
		if p, ok, err := a.plugin.FindPrinter(context.Background(), looksLikePrinter); err != nil {
			a.log.Debug("printer preselect", zap.Error(err))
		} else if ok {
			selected = printerLabel(p)
		}
		a.printerSelect.SetSelected(selected)
	}

	a.statusLabel.SetText(fmt.Sprintf("Found %d paired device(s)", len(infos)))
	a.updateStatus()
}

func printerLabel(p plugin.PrinterInfo) string {
	return fmt.Sprintf("%s (%s)", p.Name, p.MACAddress)
}

// looksLikePrinter matches the imaging major device class or a printer-ish name.
func looksLikePrinter(p plugin.PrinterInfo) bool {
	if p.Class != nil && (*p.Class>>8)&0x1f == 0x06 {
		return true
	}
	name := strings.ToLower(p.Name)
	for _, hint := range []string{"print", "mpt", "pos", "goojprt", "mtp"} {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

func (a *App) selectedPrinter() *plugin.PrinterInfo {
	idx := a.printerSelect.SelectedIndex()
	if idx < 0 || idx >= len(a.printers) {
		return nil
	}
	return &a.printers[idx]
}

func (a *App) toggleConnection() {
	if cur := a.plugin.GetCurrentPrinter(context.Background()); cur.MACAddress != nil {
		go a.run("Disconnected", a.plugin.DisconnectPrinter)
		return
	}

	p := a.selectedPrinter()
	if p == nil {
		dialog.ShowError(fmt.Errorf("no printer selected"), a.window)
		return
	}

	a.connectBtn.Disable()
	a.printerSelect.Disable()
	a.refreshBtn.Disable()

	go func() {
		defer func() {
			a.connectBtn.Enable()
			a.printerSelect.Enable()
			a.refreshBtn.Enable()
		}()

		a.statusLabel.SetText(fmt.Sprintf("Connecting to %s...", p.Name))
		a.run("", func(ctx context.Context) error {
			return a.plugin.ConnectPrinter(ctx, p.MACAddress)
		})
	}()
}

// run executes op and reports the result in the status bar, showing a dialog
// on failure.
func (a *App) run(success string, op func(context.Context) error) {
	err := op(context.Background())
	a.updateStatus()
	if err != nil {
		e := plugin.ToError(err)
		a.statusLabel.SetText(fmt.Sprintf("%s: %s", e.Kind, e.Message))
		dialog.ShowError(e, a.window)
		return
	}
	if success != "" {
		a.statusLabel.SetText(success)
	}
}

func (a *App) updateStatus() {
	cur := a.plugin.GetCurrentPrinter(context.Background())
	if cur.MACAddress == nil {
		a.connectBtn.SetText("Connect")
		a.statusLabel.SetText("Not connected")
		return
	}
	a.connectBtn.SetText("Disconnect")
	name := *cur.MACAddress
	if cur.Name != nil && *cur.Name != "" {
		name = *cur.Name
	}
	a.statusLabel.SetText(fmt.Sprintf("Connected to %s", name))
}

func (a *App) loadImage() {
	fd := dialog.NewFileOpen(func(reader fyne.URIReadCloser, err error) {
		if err != nil {
			dialog.ShowError(err, a.window)
			return
		}
		if reader == nil {
			return
		}
		defer reader.Close()

		raw, err := io.ReadAll(reader)
		if err != nil {
			dialog.ShowError(err, a.window)
			return
		}

		b64 := base64.StdEncoding.EncodeToString(raw)
		img, err := raster.FromBase64(b64, a.cfg.PrinterWidth)
		if err != nil {
			dialog.ShowError(plugin.ToError(err), a.window)
			return
		}

		a.imageB64 = b64
		a.setPreview(img)
	}, a.window)

	fd.SetFilter(storage.NewExtensionFileFilter([]string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".tif", ".tiff"}))
	fd.Show()
}

func (a *App) sendFirmware() {
	fd := dialog.NewFileOpen(func(reader fyne.URIReadCloser, err error) {
		if err != nil {
			dialog.ShowError(err, a.window)
			return
		}
		if reader == nil {
			return
		}
		defer reader.Close()

		image, err := io.ReadAll(reader)
		if err != nil {
			dialog.ShowError(err, a.window)
			return
		}

		dialog.ShowConfirm("Send Firmware",
			fmt.Sprintf("Send %d bytes to the printer? Do not power it off until it restarts.", len(image)),
			func(ok bool) {
				if !ok {
					return
				}
				a.statusLabel.SetText("Sending firmware...")
				go a.run("Firmware sent", func(ctx context.Context) error {
					return a.plugin.PrintFirmware(ctx, image)
				})
			}, a.window)
	}, a.window)

	fd.SetFilter(storage.NewExtensionFileFilter([]string{".bin"}))
	fd.Show()
}

func (a *App) updateTextPreview() {
	text := a.textEntry.Text
	if text == "" {
		return
	}

	align := raster.AlignLeft
	switch a.style.Align {
	case escpos.AlignCenter:
		align = raster.AlignCenter
	case escpos.AlignRight:
		align = raster.AlignRight
	}

	size := max(a.style.Height, 1)
	img, err := raster.RenderText(text, raster.PreviewOptions{
		Width:    a.cfg.PrinterWidth,
		FontSize: 9 * float64(size),
		Align:    align,
		Margin:   8,
	})
	if err != nil {
		a.log.Debug("text preview", zap.Error(err))
		return
	}
	a.setPreview(img)
}

func (a *App) setPreview(img *raster.Image) {
	a.previewImg.Image = img.Preview()
	a.previewImg.Refresh()
}

func (a *App) print() {
	var op func(context.Context) error

	switch a.tabs.Selected().Text {
	case "Text":
		text := a.textEntry.Text
		if text == "" {
			dialog.ShowError(fmt.Errorf("nothing to print"), a.window)
			return
		}
		style := a.style
		op = func(ctx context.Context) error { return a.plugin.PrintStyledText(ctx, text, style) }
	case "Image":
		if a.imageB64 == "" {
			dialog.ShowError(fmt.Errorf("no image loaded"), a.window)
			return
		}
		b64 := a.imageB64
		op = func(ctx context.Context) error { return a.plugin.PrintImage(ctx, b64) }
	case "Barcode":
		req := plugin.BarcodeRequest{
			Symbology:   a.symbology.String(),
			Data:        a.barcodeEntry.Text,
			ModuleWidth: 2,
			Height:      100,
			TextPos:     int(escpos.HRIBelow),
		}
		op = func(ctx context.Context) error { return a.plugin.PrintBarcode(ctx, req) }
	default:
		return
	}

	a.statusLabel.SetText("Printing...")
	a.printBtn.Disable()

	go func() {
		defer a.printBtn.Enable()
		a.run("Print complete!", op)
	}()
}
