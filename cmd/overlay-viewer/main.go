// overlay-viewer shows the helper's overlay feed in a terminal.
package main

import (
	"fmt"
	"net/url"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/native-helper/helper/internal/viewer"
	"github.com/native-helper/helper/internal/viewer/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var wsURL, controlURL string

	flags := pflag.NewFlagSet("overlay-viewer", pflag.ContinueOnError)
	flags.StringVar(&wsURL, "url", "ws://127.0.0.1:8765/overlay", "WebSocket URL of the overlay server")
	flags.StringVar(&controlURL, "control", "http://127.0.0.1:4580", "base URL of the control server (empty disables session status)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	httpBase, err := deriveHTTPBase(wsURL)
	if err != nil {
		return err
	}

	ws := client.NewWSClient(wsURL)
	defer ws.Close()

	m := viewer.New(ws, client.NewHTTPClient(httpBase, controlURL))
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// deriveHTTPBase converts ws://host:port/overlay to http://host:port.
func deriveHTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid --url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		return "http://" + u.Host, nil
	case "wss":
		return "https://" + u.Host, nil
	default:
		return "", fmt.Errorf("invalid --url %q: scheme must be ws or wss", wsURL)
	}
}
