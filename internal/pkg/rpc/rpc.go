// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package rpc exposes the loadKernelModule/unloadKernelModule and
// app-control RPC surface (spec §6) over a Unix domain socket, using a
// small length-prefixed gob frame protocol. It is grounded on the
// master/host Unix-socket handshake idiom of
// internal/app/starter/host.go and master_linux.go (net.FileConn over a
// raw socket, single-byte status frames), generalized from one-byte
// status codes to framed, multi-field request/response values.
package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/legatoproject/supervisor/internal/pkg/app"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// Op names one RPC operation.
type Op string

const (
	OpLoadKernelModule   Op = "loadKernelModule"
	OpUnloadKernelModule Op = "unloadKernelModule"
	OpCreateApp          Op = "createApp"
	OpDeleteApp          Op = "deleteApp"
	OpStartApp           Op = "startApp"
	OpStopApp            Op = "stopApp"
	OpAppStatus          Op = "appStatus"
	OpListApps           Op = "listApps"

	OpCreateAuxProc    Op = "createAuxProc"
	OpConfigureAuxProc Op = "configureAuxProc"
	OpStartAuxProc     Op = "startAuxProc"
	OpStopAuxProc      Op = "stopAuxProc"
	OpDeleteAuxProc    Op = "deleteAuxProc"

	OpAddLink          Op = "addLink"
	OpRemoveAllLinks   Op = "removeAllLinks"
	OpSetDevPermission Op = "setDevPermission"
)

// maxFrameSize bounds a single request/response frame, guarding against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameSize = 4 << 20

// Request is one call against the RPC surface. Only the fields relevant
// to Op are populated; the rest are left zero.
type Request struct {
	// ID correlates this request with the server's log lines for it; it
	// has no semantic effect on dispatch.
	ID         string
	Op         Op
	AppName    string
	ModuleName string
	ConfigTOML []byte
	Identity   app.Identity
	InstallDir string
	WorkingDir string

	// ProcName addresses an existing auxiliary process (configure/start/
	// stop/delete); ExeBaseName names the executable an aux create RPC
	// should derive its generated "<exe>@NN" name from.
	ProcName    string
	ExeBaseName string
	ProcConfig  app.AuxProcessConfig

	// AbsPath/DevPath/Perm address the additional-link-record operations
	// (spec §4.2 addLink/removeAllLinks/setDevPermission).
	AbsPath string
	DevPath string
	Perm    os.FileMode
}

// errKind is a wire-safe tag for one of the svcerr sentinels, since a Go
// error's identity does not survive a gob round-trip.
type errKind string

const (
	errKindNone       errKind = ""
	errKindNotFound   errKind = "not_found"
	errKindOverflow   errKind = "overflow"
	errKindDuplicate  errKind = "duplicate"
	errKindFault      errKind = "fault"
	errKindTimeout    errKind = "timeout"
	errKindWouldBlock errKind = "would_block"
	errKindTerminated errKind = "terminated"
	errKindOther      errKind = "other"
)

var sentinelsByKind = map[errKind]error{
	errKindNotFound:   svcerr.NotFound,
	errKindOverflow:   svcerr.Overflow,
	errKindDuplicate:  svcerr.Duplicate,
	errKindFault:      svcerr.Fault,
	errKindTimeout:    svcerr.Timeout,
	errKindWouldBlock: svcerr.WouldBlock,
	errKindTerminated: svcerr.Terminated,
}

// classify picks the errKind matching err's svcerr sentinel, if any.
func classify(err error) (errKind, string) {
	if err == nil {
		return errKindNone, ""
	}
	for kind, sentinel := range sentinelsByKind {
		if errors.Is(err, sentinel) {
			return kind, err.Error()
		}
	}
	return errKindOther, err.Error()
}

// Response is the result of one Request.
type Response struct {
	ErrKind  errKind
	ErrMsg   string
	AppState app.State
	AppNames []string
	ProcName string
}

// Err reconstructs a Go error from the response, comparable with
// errors.Is against the internal/pkg/svcerr sentinels when ErrKind names
// one of them.
func (r Response) Err() error {
	if r.ErrKind == errKindNone {
		return nil
	}
	if sentinel, ok := sentinelsByKind[r.ErrKind]; ok {
		return fmt.Errorf("%s: %w", r.ErrMsg, sentinel)
	}
	return errors.New(r.ErrMsg)
}

func responseFor(err error, state app.State, names []string) Response {
	kind, msg := classify(err)
	return Response{ErrKind: kind, ErrMsg: msg, AppState: state, AppNames: names}
}

func responseForProcName(procName string, err error) Response {
	kind, msg := classify(err)
	return Response{ErrKind: kind, ErrMsg: msg, ProcName: procName}
}

// Handler is the set of operations a Server dispatches requests to.
// *internal/pkg/supervisor.Context satisfies this interface
// structurally, so this package never imports supervisor and there is
// no import cycle between "the thing that owns the apps" and "the thing
// that talks to a socket".
type Handler interface {
	LoadKernelModule(ctx context.Context, name string) error
	UnloadKernelModule(ctx context.Context, name string) error
	CreateApp(ctx context.Context, name string, cfg appconf.AppConfig, id app.Identity, installDir, workingDir string) error
	DeleteApp(ctx context.Context, name string) error
	StartApp(ctx context.Context, name string) error
	StopApp(ctx context.Context, name string) error
	AppStatus(ctx context.Context, name string) (app.State, error)
	ListApps(ctx context.Context) ([]string, error)

	CreateAuxProcess(ctx context.Context, appName, exeBaseName string, argv []string) (string, error)
	ConfigureAuxProcess(ctx context.Context, appName, procName string, cfg app.AuxProcessConfig) error
	StartAuxProcess(ctx context.Context, appName, procName string) error
	StopAuxProcess(ctx context.Context, appName, procName string) error
	DeleteAuxProcess(ctx context.Context, appName, procName string) error

	AddLink(ctx context.Context, appName, absPath string) error
	RemoveAllLinks(ctx context.Context, appName string) error
	SetDevPermission(ctx context.Context, appName, devPath string, perm os.FileMode) error
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// gob encoding of v.
func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("while encoding frame: %w", err)
	}
	if buf.Len() > maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds the %d byte limit", svcerr.Overflow, buf.Len(), maxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(buf.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// readFrame reads one length-prefixed gob frame into v.
func readFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds the %d byte limit", svcerr.Overflow, n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(buf)).Decode(v)
}
