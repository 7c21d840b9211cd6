package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ppiankov/sideload/internal/broker"
	"github.com/ppiankov/sideload/internal/config"
	"github.com/ppiankov/sideload/internal/installer"
	"github.com/ppiankov/sideload/internal/journal"
	"github.com/ppiankov/sideload/internal/rpc"
	"github.com/ppiankov/sideload/internal/session"
	"github.com/ppiankov/sideload/internal/shell"
)

// stack is a fully wired coordinator plus what must be closed after use.
type stack struct {
	coord     *installer.Coordinator
	client    *broker.Client
	transport *rpc.Transport
	journal   *journal.Log
}

// brokerTarget returns the gRPC target for the configured socket.
func brokerTarget(c *config.Config) (string, error) {
	abs, err := filepath.Abs(c.Broker.Socket)
	if err != nil {
		return "", err
	}
	return "unix://" + abs, nil
}

func newStack(c *config.Config) (*stack, error) {
	log := slog.Default()
	s := &stack{}

	jl, err := journal.Open(c.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	s.journal = jl

	target, err := brokerTarget(c)
	if err != nil {
		s.Close()
		return nil, err
	}
	tr, err := rpc.Dial(target, c.Broker.Caller, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.transport = tr

	client, err := broker.NewClient(tr, broker.Options{MinVersion: c.Broker.MinVersion, Logger: log})
	if err != nil {
		s.Close()
		return nil, err
	}
	client.Start()
	s.client = client

	s.coord = installer.New(installer.Options{
		Broker:  client,
		Session: session.New(client, c.Session(), log),
		Shell:   shell.New(nil, c.ShellInstaller(), log),
		Journal: jl,
		Logger:  log,
		Workers: c.Workers,
	})
	return s, nil
}

// Close waits for submitted work and releases the broker connection.
func (s *stack) Close() error {
	if s.coord != nil {
		s.coord.Wait()
	}
	if s.client != nil {
		s.client.Stop()
	}
	var errs []error
	if s.transport != nil {
		errs = append(errs, s.transport.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	return errors.Join(errs...)
}
