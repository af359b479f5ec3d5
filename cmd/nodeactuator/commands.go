package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/nodeactuator/pkg/client"
)

type apiClient interface {
	Status(ctx context.Context) (client.StatusResponse, error)
	Set(ctx context.Context, state string) (client.StatusResponse, error)
	Reconcile(ctx context.Context) (client.StatusResponse, error)
}

func newAPIClient(f APIFlags) apiClient {
	return client.New(client.Config{
		BaseURL: f.APIUrl,
		Timeout: f.APITimeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// command implements the client side subcommands.
type command struct {
	out       io.Writer
	newClient func(APIFlags) apiClient
}

func (c command) Status(ctx context.Context, f APIFlags) error {
	st, err := c.newClient(f).Status(ctx)
	if err != nil {
		return daemonError(f, err)
	}
	c.print(st)
	return nil
}

func (c command) Set(ctx context.Context, f APIFlags, state string) error {
	st, err := c.newClient(f).Set(ctx, state)
	if err != nil {
		return daemonError(f, err)
	}
	c.print(st)
	return nil
}

func (c command) Reconcile(ctx context.Context, f APIFlags) error {
	st, err := c.newClient(f).Reconcile(ctx)
	if err != nil {
		return daemonError(f, err)
	}
	c.print(st)
	return nil
}

func (c command) print(st client.StatusResponse) {
	line := fmt.Sprintf("%-9s %s", st.Status, st.Label)
	if st.PID > 0 {
		line += fmt.Sprintf(" (pid %d)", st.PID)
	}
	_, _ = fmt.Fprintln(c.out, line)
}

func daemonError(f APIFlags, err error) error {
	if client.IsUnavailable(err) {
		return fmt.Errorf("daemon at %s is shutting down: %w", f.APIUrl, err)
	}
	return fmt.Errorf("daemon at %s: %w", f.APIUrl, err)
}
