// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// Server listens on a Unix domain socket and dispatches framed requests
// to a Handler, one goroutine per connection (net.FileConn's handshake
// idiom in master_linux.go, generalized to an Accept loop since this
// socket serves many independent CLI invocations rather than one
// starter/master pair).
type Server struct {
	handler Handler
	ln      net.Listener

	wg sync.WaitGroup
}

// Listen creates (replacing any stale socket file left by a prior crash)
// and binds a Unix domain socket at path.
func Listen(path string, handler Handler) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("while removing stale socket at %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("while listening on %s: %w", path, err)
	}
	return &Server{handler: handler, ln: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("while accepting a connection: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close closes the listening socket without waiting for in-flight
// connections to finish; callers that want a graceful drain should
// cancel the Serve context instead and let it return.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				sylog.Debugf("rpc: while reading request: %v", err)
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := resp.Err(); err != nil {
			sylog.Debugf("rpc: [%s] %s failed: %v", req.ID, req.Op, err)
		}
		if err := writeFrame(conn, resp); err != nil {
			sylog.Errorf("rpc: [%s] while writing response: %v", req.ID, err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpLoadKernelModule:
		return responseFor(s.handler.LoadKernelModule(ctx, req.ModuleName), 0, nil)

	case OpUnloadKernelModule:
		return responseFor(s.handler.UnloadKernelModule(ctx, req.ModuleName), 0, nil)

	case OpCreateApp:
		cfg, err := appconf.LoadAppConfig(req.ConfigTOML)
		if err != nil {
			return responseFor(fmt.Errorf("%w: %v", svcerr.Fault, err), 0, nil)
		}
		err = s.handler.CreateApp(ctx, req.AppName, cfg, req.Identity, req.InstallDir, req.WorkingDir)
		return responseFor(err, 0, nil)

	case OpDeleteApp:
		return responseFor(s.handler.DeleteApp(ctx, req.AppName), 0, nil)

	case OpStartApp:
		return responseFor(s.handler.StartApp(ctx, req.AppName), 0, nil)

	case OpStopApp:
		return responseFor(s.handler.StopApp(ctx, req.AppName), 0, nil)

	case OpAppStatus:
		state, err := s.handler.AppStatus(ctx, req.AppName)
		return responseFor(err, state, nil)

	case OpListApps:
		names, err := s.handler.ListApps(ctx)
		return responseFor(err, 0, names)

	case OpCreateAuxProc:
		name, err := s.handler.CreateAuxProcess(ctx, req.AppName, req.ExeBaseName, req.ProcConfig.Argv)
		return responseForProcName(name, err)

	case OpConfigureAuxProc:
		return responseFor(s.handler.ConfigureAuxProcess(ctx, req.AppName, req.ProcName, req.ProcConfig), 0, nil)

	case OpStartAuxProc:
		return responseFor(s.handler.StartAuxProcess(ctx, req.AppName, req.ProcName), 0, nil)

	case OpStopAuxProc:
		return responseFor(s.handler.StopAuxProcess(ctx, req.AppName, req.ProcName), 0, nil)

	case OpDeleteAuxProc:
		return responseFor(s.handler.DeleteAuxProcess(ctx, req.AppName, req.ProcName), 0, nil)

	case OpAddLink:
		return responseFor(s.handler.AddLink(ctx, req.AppName, req.AbsPath), 0, nil)

	case OpRemoveAllLinks:
		return responseFor(s.handler.RemoveAllLinks(ctx, req.AppName), 0, nil)

	case OpSetDevPermission:
		return responseFor(s.handler.SetDevPermission(ctx, req.AppName, req.DevPath, req.Perm), 0, nil)

	default:
		return responseFor(fmt.Errorf("%w: unknown RPC operation %q", svcerr.Fault, req.Op), 0, nil)
	}
}
