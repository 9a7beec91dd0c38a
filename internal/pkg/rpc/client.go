// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package rpc

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/legatoproject/supervisor/internal/pkg/app"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// Client is a single connection to a Server's Unix domain socket. Calls
// are serialized over the one connection (one request in flight at a
// time), matching the RPC surface's synchronous call/response shape.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a Server listening at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("while connecting to %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req Request) (Response, error) {
	req.ID = uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, req); err != nil {
		return Response{}, fmt.Errorf("while sending request: %w", err)
	}
	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		return Response{}, fmt.Errorf("while reading response: %w", err)
	}
	return resp, nil
}

// LoadKernelModule calls the loadKernelModule RPC.
func (c *Client) LoadKernelModule(name string) error {
	resp, err := c.call(Request{Op: OpLoadKernelModule, ModuleName: name})
	if err != nil {
		return err
	}
	return resp.Err()
}

// UnloadKernelModule calls the unloadKernelModule RPC.
func (c *Client) UnloadKernelModule(name string) error {
	resp, err := c.call(Request{Op: OpUnloadKernelModule, ModuleName: name})
	if err != nil {
		return err
	}
	return resp.Err()
}

// CreateApp calls the app-control create RPC, serializing cfg to TOML
// for the wire (the same encoding the config store uses, per
// pkg/appconf).
func (c *Client) CreateApp(name string, cfg appconf.AppConfig, id app.Identity, installDir, workingDir string) error {
	b, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("while encoding app config for %s: %w", name, err)
	}
	resp, err := c.call(Request{
		Op:         OpCreateApp,
		AppName:    name,
		ConfigTOML: b,
		Identity:   id,
		InstallDir: installDir,
		WorkingDir: workingDir,
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

// DeleteApp calls the app-control delete RPC.
func (c *Client) DeleteApp(name string) error {
	resp, err := c.call(Request{Op: OpDeleteApp, AppName: name})
	if err != nil {
		return err
	}
	return resp.Err()
}

// StartApp calls the app-control start RPC.
func (c *Client) StartApp(name string) error {
	resp, err := c.call(Request{Op: OpStartApp, AppName: name})
	if err != nil {
		return err
	}
	return resp.Err()
}

// StopApp calls the app-control stop RPC.
func (c *Client) StopApp(name string) error {
	resp, err := c.call(Request{Op: OpStopApp, AppName: name})
	if err != nil {
		return err
	}
	return resp.Err()
}

// AppStatus calls the app-control status RPC.
func (c *Client) AppStatus(name string) (app.State, error) {
	resp, err := c.call(Request{Op: OpAppStatus, AppName: name})
	if err != nil {
		return app.StateStopped, err
	}
	if err := resp.Err(); err != nil {
		return app.StateStopped, err
	}
	return resp.AppState, nil
}

// ListApps calls the listApps RPC.
func (c *Client) ListApps() ([]string, error) {
	resp, err := c.call(Request{Op: OpListApps})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.AppNames, nil
}

// CreateAuxProcess calls the app-proc create RPC, returning the
// generated "<exeBaseName>@NN" process name.
func (c *Client) CreateAuxProcess(appName, exeBaseName string, argv []string) (string, error) {
	resp, err := c.call(Request{
		Op:          OpCreateAuxProc,
		AppName:     appName,
		ExeBaseName: exeBaseName,
		ProcConfig:  app.AuxProcessConfig{Argv: argv},
	})
	if err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	return resp.ProcName, nil
}

// ConfigureAuxProcess calls the app-proc configure RPC.
func (c *Client) ConfigureAuxProcess(appName, procName string, cfg app.AuxProcessConfig) error {
	resp, err := c.call(Request{Op: OpConfigureAuxProc, AppName: appName, ProcName: procName, ProcConfig: cfg})
	if err != nil {
		return err
	}
	return resp.Err()
}

// StartAuxProcess calls the app-proc start RPC.
func (c *Client) StartAuxProcess(appName, procName string) error {
	resp, err := c.call(Request{Op: OpStartAuxProc, AppName: appName, ProcName: procName})
	if err != nil {
		return err
	}
	return resp.Err()
}

// StopAuxProcess calls the app-proc stop RPC.
func (c *Client) StopAuxProcess(appName, procName string) error {
	resp, err := c.call(Request{Op: OpStopAuxProc, AppName: appName, ProcName: procName})
	if err != nil {
		return err
	}
	return resp.Err()
}

// DeleteAuxProcess calls the app-proc delete RPC.
func (c *Client) DeleteAuxProcess(appName, procName string) error {
	resp, err := c.call(Request{Op: OpDeleteAuxProc, AppName: appName, ProcName: procName})
	if err != nil {
		return err
	}
	return resp.Err()
}

// AddLink calls the addLink RPC.
func (c *Client) AddLink(appName, absPath string) error {
	resp, err := c.call(Request{Op: OpAddLink, AppName: appName, AbsPath: absPath})
	if err != nil {
		return err
	}
	return resp.Err()
}

// RemoveAllLinks calls the removeAllLinks RPC.
func (c *Client) RemoveAllLinks(appName string) error {
	resp, err := c.call(Request{Op: OpRemoveAllLinks, AppName: appName})
	if err != nil {
		return err
	}
	return resp.Err()
}

// SetDevPermission calls the setDevPermission RPC.
func (c *Client) SetDevPermission(appName, devPath string, perm os.FileMode) error {
	resp, err := c.call(Request{Op: OpSetDevPermission, AppName: appName, DevPath: devPath, Perm: perm})
	if err != nil {
		return err
	}
	return resp.Err()
}
