package main

import (
	"embed"
	"fmt"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
	"github.com/wailsapp/wails/v2/pkg/options/windows"

	"aedthub/internal/logging"
)

//go:embed all:frontend/dist
var assets embed.FS

const defaultBackendURL = "http://127.0.0.1:5001"

func main() {
	if err := logging.Init(logging.DefaultConfig("gui")); err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
	}

	backendURL := os.Getenv("AEDTHUB_BACKEND_URL")
	if backendURL == "" {
		backendURL = defaultBackendURL
	}

	app := NewApp(backendURL)

	err := wails.Run(&options.App{
		Title:     "AEDT Hub",
		Width:     1200,
		Height:    800,
		MinWidth:  800,
		MinHeight: 600,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []interface{}{
			app,
		},
		Mac: &mac.Options{
			TitleBar:             mac.TitleBarHiddenInset(),
			WebviewIsTransparent: false,
			WindowIsTranslucent:  false,
		},
		Windows: &windows.Options{
			WebviewIsTransparent: false,
		},
	})

	if err != nil {
		logging.Error("GUI shell failed", "error", err)
		os.Exit(1)
	}
}
