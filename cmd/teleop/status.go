package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/teleop.link/internal/api"
	"github.com/banshee-data/teleop.link/internal/config"
	"github.com/banshee-data/teleop.link/internal/httputil"
	"github.com/banshee-data/teleop.link/internal/serialmux"
	"github.com/banshee-data/teleop.link/internal/session"
)

func runStatusCommand(args []string, cfg *config.Config, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	admin := fs.String("admin", cfg.GetAdminListen(), "Admin address of the running instance")
	timeout := fs.Duration("timeout", 2*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *admin == "" {
		return fmt.Errorf("admin API is disabled; pass -admin host:port")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return printStatus(ctx, &http.Client{}, baseURL(*admin), out)
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func printStatus(ctx context.Context, c httputil.HTTPClient, base string, out io.Writer) error {
	var st api.SessionResponse
	if err := httputil.GetJSON(ctx, c, base+"/api/session", &st); err != nil {
		return err
	}

	fmt.Fprintf(out, "device:  %s\n", st.DeviceLabel)
	fmt.Fprintf(out, "session: %s\n", st.State)
	if st.State != session.StateLocked {
		return nil
	}
	fmt.Fprintf(out, "owner:   %s (%s)\n", st.Device, st.Owner)
	fmt.Fprintf(out, "id:      %s\n", st.SessionID)
	fmt.Fprintf(out, "locked:  %s\n", st.LockedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "seen:    %s\n", st.LastSeen.Format(time.RFC3339Nano))
	return nil
}

func runPortsCommand(out io.Writer) error {
	ports, err := serialmux.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}
