// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/legatoproject/supervisor/internal/pkg/app"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// fakeHandler is an in-memory double for Handler, so the framing and
// dispatch logic can be exercised without a real supervisor.Context.
type fakeHandler struct {
	apps map[string]app.State

	lastLoadedModule   string
	lastUnloadedModule string
	lastCreatedCfg     appconf.AppConfig
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{apps: map[string]app.State{}}
}

func (h *fakeHandler) LoadKernelModule(_ context.Context, name string) error {
	h.lastLoadedModule = name
	return nil
}

func (h *fakeHandler) UnloadKernelModule(_ context.Context, name string) error {
	h.lastUnloadedModule = name
	return nil
}

func (h *fakeHandler) CreateApp(_ context.Context, name string, cfg appconf.AppConfig, _ app.Identity, _, _ string) error {
	if _, exists := h.apps[name]; exists {
		return fmt.Errorf("%w: app %s", svcerr.Duplicate, name)
	}
	h.lastCreatedCfg = cfg
	h.apps[name] = app.StateStopped
	return nil
}

func (h *fakeHandler) DeleteApp(_ context.Context, name string) error {
	if _, ok := h.apps[name]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, name)
	}
	delete(h.apps, name)
	return nil
}

func (h *fakeHandler) StartApp(_ context.Context, name string) error {
	if _, ok := h.apps[name]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, name)
	}
	h.apps[name] = app.StateRunning
	return nil
}

func (h *fakeHandler) StopApp(_ context.Context, name string) error {
	if _, ok := h.apps[name]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, name)
	}
	h.apps[name] = app.StateStopped
	return nil
}

func (h *fakeHandler) AppStatus(_ context.Context, name string) (app.State, error) {
	s, ok := h.apps[name]
	if !ok {
		return app.StateStopped, fmt.Errorf("%w: app %s", svcerr.NotFound, name)
	}
	return s, nil
}

func (h *fakeHandler) ListApps(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(h.apps))
	for name := range h.apps {
		names = append(names, name)
	}
	return names, nil
}

func (h *fakeHandler) CreateAuxProcess(_ context.Context, appName, exeBaseName string, _ []string) (string, error) {
	if _, ok := h.apps[appName]; !ok {
		return "", fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return exeBaseName + "@00", nil
}

func (h *fakeHandler) ConfigureAuxProcess(_ context.Context, appName, _ string, _ app.AuxProcessConfig) error {
	if _, ok := h.apps[appName]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return nil
}

func (h *fakeHandler) StartAuxProcess(_ context.Context, appName, _ string) error {
	if _, ok := h.apps[appName]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return nil
}

func (h *fakeHandler) StopAuxProcess(_ context.Context, appName, _ string) error {
	if _, ok := h.apps[appName]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return nil
}

func (h *fakeHandler) DeleteAuxProcess(_ context.Context, appName, _ string) error {
	if _, ok := h.apps[appName]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return nil
}

func (h *fakeHandler) AddLink(_ context.Context, appName, _ string) error {
	if _, ok := h.apps[appName]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return nil
}

func (h *fakeHandler) RemoveAllLinks(_ context.Context, appName string) error {
	if _, ok := h.apps[appName]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return nil
}

func (h *fakeHandler) SetDevPermission(_ context.Context, appName, _ string, _ os.FileMode) error {
	if _, ok := h.apps[appName]; !ok {
		return fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
	}
	return nil
}

func startTestServer(t *testing.T, handler Handler) *Client {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "supervisor.sock")

	srv, err := Listen(sockPath, handler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve: %v", err)
		}
	}()
	t.Cleanup(cancel)

	// Dial can race the listener's first Accept; retry briefly.
	var client *Client
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		client, err = Dial(sockPath)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateStartStatusDeleteAppRoundTrip(t *testing.T) {
	client := startTestServer(t, newFakeHandler())

	cfg := appconf.AppConfig{Sandboxed: true}
	if err := client.CreateApp("myapp", cfg, app.Identity{Uid: 1000}, "/opt/myapp", "/var/run/myapp"); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}

	names, err := client.ListApps()
	if err != nil || len(names) != 1 || names[0] != "myapp" {
		t.Fatalf("ListApps: got %v, err %v", names, err)
	}

	state, err := client.AppStatus("myapp")
	if err != nil || state != app.StateStopped {
		t.Fatalf("expected Stopped before Start, got %v, err %v", state, err)
	}

	if err := client.StartApp("myapp"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	state, err = client.AppStatus("myapp")
	if err != nil || state != app.StateRunning {
		t.Fatalf("expected Running after Start, got %v, err %v", state, err)
	}

	if err := client.StopApp("myapp"); err != nil {
		t.Fatalf("StopApp: %v", err)
	}
	if err := client.DeleteApp("myapp"); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}
	if _, err := client.AppStatus("myapp"); !errors.Is(err, svcerr.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestCreateAppDuplicateErrorSurvivesRoundTrip(t *testing.T) {
	client := startTestServer(t, newFakeHandler())

	cfg := appconf.AppConfig{}
	if err := client.CreateApp("dup", cfg, app.Identity{}, "", ""); err != nil {
		t.Fatalf("first CreateApp: %v", err)
	}
	err := client.CreateApp("dup", cfg, app.Identity{}, "", "")
	if !errors.Is(err, svcerr.Duplicate) {
		t.Fatalf("expected svcerr.Duplicate to survive the RPC round trip, got %v", err)
	}
}

func TestLoadUnloadKernelModule(t *testing.T) {
	h := newFakeHandler()
	client := startTestServer(t, h)

	if err := client.LoadKernelModule("usb_storage"); err != nil {
		t.Fatalf("LoadKernelModule: %v", err)
	}
	if h.lastLoadedModule != "usb_storage" {
		t.Fatalf("expected handler to observe the load, got %q", h.lastLoadedModule)
	}

	if err := client.UnloadKernelModule("usb_storage"); err != nil {
		t.Fatalf("UnloadKernelModule: %v", err)
	}
	if h.lastUnloadedModule != "usb_storage" {
		t.Fatalf("expected handler to observe the unload, got %q", h.lastUnloadedModule)
	}
}

func TestAuxProcessRoundTrip(t *testing.T) {
	client := startTestServer(t, newFakeHandler())

	if err := client.CreateApp("myapp", appconf.AppConfig{}, app.Identity{}, "", ""); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}

	name, err := client.CreateAuxProcess("myapp", "helper", []string{"/bin/helper"})
	if err != nil {
		t.Fatalf("CreateAuxProcess: %v", err)
	}
	if name != "helper@00" {
		t.Fatalf("expected helper@00, got %s", name)
	}

	cfg := app.AuxProcessConfig{Argv: []string{"/bin/helper", "--flag"}, RunFlag: true}
	if err := client.ConfigureAuxProcess("myapp", name, cfg); err != nil {
		t.Fatalf("ConfigureAuxProcess: %v", err)
	}
	if err := client.StartAuxProcess("myapp", name); err != nil {
		t.Fatalf("StartAuxProcess: %v", err)
	}
	if err := client.StopAuxProcess("myapp", name); err != nil {
		t.Fatalf("StopAuxProcess: %v", err)
	}
	if err := client.DeleteAuxProcess("myapp", name); err != nil {
		t.Fatalf("DeleteAuxProcess: %v", err)
	}

	if _, err := client.CreateAuxProcess("nope", "helper", nil); !errors.Is(err, svcerr.NotFound) {
		t.Fatalf("expected NotFound for an unknown app, got %v", err)
	}
}

func TestLinkControlRoundTrip(t *testing.T) {
	client := startTestServer(t, newFakeHandler())

	if err := client.CreateApp("myapp", appconf.AppConfig{}, app.Identity{}, "", ""); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}

	if err := client.AddLink("myapp", "/opt/myapp/bin/tool"); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := client.SetDevPermission("myapp", "/dev/ttyS0", 0o640); err != nil {
		t.Fatalf("SetDevPermission: %v", err)
	}
	if err := client.RemoveAllLinks("myapp"); err != nil {
		t.Fatalf("RemoveAllLinks: %v", err)
	}

	if err := client.AddLink("nope", "/opt/myapp/bin/tool"); !errors.Is(err, svcerr.NotFound) {
		t.Fatalf("expected NotFound for an unknown app, got %v", err)
	}
}

func TestMultipleSequentialCallsOverOneConnection(t *testing.T) {
	client := startTestServer(t, newFakeHandler())

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("app%d", i)
		if err := client.CreateApp(name, appconf.AppConfig{}, app.Identity{}, "", ""); err != nil {
			t.Fatalf("CreateApp(%s): %v", name, err)
		}
	}
	names, err := client.ListApps()
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	if len(names) != 20 {
		t.Fatalf("expected 20 apps, got %d", len(names))
	}
}
