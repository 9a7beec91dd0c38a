// Copyright (c) 2019-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sandbox builds and tears down the per-app chroot filesystem: a
// tmpfs-backed root populated with bind-mounted, symlinked, and mknod'd
// entries derived from an app's bundle and requires lists.
//
// The destination-sorted, prefix-conflict-checked link ordering and the
// bounded-retry teardown scan are adapted from the original sandbox setup
// and removal routines (AddToImportList/CompareImportEntries and
// sandbox_Remove in framework/c/src/security/sandbox.c); the bind-path
// vocabulary (Source/Destination/Options, Readonly) is adapted from
// pkg/util/bind/bind.go and pkg/runtime/engine/singularity/config/bind.go.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// Kind distinguishes how a Link is materialized in the sandbox tree.
type Kind int

const (
	KindDir Kind = iota
	KindBindFile
	KindBindDir
	KindDevice
)

// Link is a single filesystem entry to create under an app's sandbox root,
// already resolved to an absolute destination inside that root.
type Link struct {
	Kind        Kind
	Source      string
	Destination string
	ReadOnly    bool
	// Rdev is the device number for KindDevice links, built with
	// unix.Mkdev(major, minor) from the source device node's own stat.
	Rdev uint64
	Mode os.FileMode
}

// Readonly reports whether the link should remount the bind read-only.
func (l Link) Readonly() bool { return l.ReadOnly }

// rootFor returns the sandbox root for appName.
func rootFor(base, appName string) string {
	return filepath.Join(base, appName)
}

// specialDirs are paths whose entire directory is imported as one link,
// rather than just a single requested file under them, both for planned
// links and for addLink (spec §4.2 "files under /dev/shm and /proc and /sys
// are handled specially").
var specialDirs = []string{"/proc", "/sys", "/dev/shm"}

// shmWildcardLabel names the wildcard MAC label for the /dev/shm import,
// whose contents are created and named by arbitrary apps at runtime and so
// cannot be labelled per-entry the way a fixed bundle/require path can
// (spec §4.2, §4.5 (e)). AddLink only reports it in a debug log line; the
// Builder applies no MAC label to /dev/shm or its contents.
const shmWildcardLabel = "shm.*"

// specialDirFor returns the special directory absPath falls under, if any.
func specialDirFor(absPath string) (string, bool) {
	for _, dir := range specialDirs {
		if absPath == dir || strings.HasPrefix(absPath, dir+"/") {
			return dir, true
		}
	}
	return "", false
}

// Builder assembles and tears down sandbox trees rooted under base
// (conventionally /tmp/legato/sandboxes).
type Builder struct {
	base string
	// rootFSSize bounds the tmpfs mounted at the sandbox root, matching
	// the original's fixed-size ramfs rationale: "gives control over how
	// much ram the application can use for files."
	rootFSSize int64

	mu         sync.Mutex
	addedLinks map[string][]string // appName -> destinations added via AddLink
}

func NewBuilder(base string, rootFSSize int64) *Builder {
	return &Builder{base: base, rootFSSize: rootFSSize, addedLinks: make(map[string][]string)}
}

// Root returns the sandbox root path for appName.
func (b *Builder) Root(appName string) string {
	return rootFor(b.base, appName)
}

// SetupArea creates the sandbox root directory and mounts a size-bounded
// tmpfs at it (spec §4.3 steps 1-2).
func (b *Builder) SetupArea(appName string) error {
	root := b.Root(appName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("while creating sandbox root %s: %w", root, err)
	}
	opts := "mode=0755"
	if b.rootFSSize > 0 {
		opts = fmt.Sprintf("%s,size=%d", opts, b.rootFSSize)
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("while mounting sandbox tmpfs at %s: %w", root, err)
	}
	return nil
}

// RemoveArea tears down appName's sandbox area; an alias for Teardown used
// by callers that think in terms of the setupArea/removeArea pair named in
// spec §4.2.
func (b *Builder) RemoveArea(appName string) error {
	return b.Teardown(appName)
}

// PlanLinks sorts links by destination and rejects any link that would
// bind-mount into a directory contributed by an earlier link whose source
// lies outside installDir, preventing an app from using one required
// resource to smuggle files into another (adapted from CompareImportEntries
// / AddToImportList).
func PlanLinks(links []Link, installDir string) ([]Link, error) {
	sorted := make([]Link, len(links))
	copy(sorted, links)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Destination < sorted[j].Destination
	})

	for i, newEntry := range sorted {
		for j := 0; j < i; j++ {
			old := sorted[j]
			switch {
			case isInside(newEntry.Destination, old.Destination):
				if !isInside(old.Source, installDir) {
					return nil, fmt.Errorf("%w: cannot mount %q inside %q, which is bind-mounted from outside the app",
						svcerr.Duplicate, newEntry.Destination, old.Destination)
				}
			case isInside(old.Destination, newEntry.Destination):
				if !isInside(newEntry.Source, installDir) {
					return nil, fmt.Errorf("%w: cannot mount %q inside %q, which is bind-mounted from outside the app",
						svcerr.Duplicate, old.Destination, newEntry.Destination)
				}
			}
		}
	}
	return sorted, nil
}

// isInside reports whether path1 is path2 or a descendant of path2.
func isInside(path1, path2 string) bool {
	if path1 == path2 {
		return true
	}
	return strings.HasPrefix(path1, strings.TrimSuffix(path2, "/")+"/")
}

// sameUnderlyingFile reports whether dest already refers to the same
// underlying file as src: same device+inode for regular files/directories,
// or same rdev for device nodes (spec §4.2 "link application", the
// same-device/inode no-op check before re-creating an existing link).
func sameUnderlyingFile(src, dest string) bool {
	var sst, dst unix.Stat_t
	if err := unix.Stat(src, &sst); err != nil {
		return false
	}
	if err := unix.Stat(dest, &dst); err != nil {
		return false
	}
	if sst.Mode&unix.S_IFMT == unix.S_IFCHR || sst.Mode&unix.S_IFMT == unix.S_IFBLK {
		return sst.Rdev == dst.Rdev
	}
	return sst.Dev == dst.Dev && sst.Ino == dst.Ino
}

// ApplyLink materializes a single planned Link under the app's sandbox
// root. Parent directories are created as needed (spec §4.3 step 3's
// "standard directories" and every bundle/require destination implicitly
// nest this way once the list is destination-sorted).
//
// Sandboxed apps get a bind-mount (or, for devices, a freshly mknod'd
// node); unsandboxed apps get a symlink to the source instead — spec §4.2
// "for directory links... create a symlink (unsandboxed)" and "regular
// files in unsandboxed mode become symlinks". If dest already exists and
// refers to the same underlying file as the source, the step is a no-op;
// otherwise, for unsandboxed apps, the stale entry is removed and
// re-created.
func (b *Builder) ApplyLink(appName string, l Link, sandboxed bool) error {
	root := b.Root(appName)
	dest := filepath.Join(root, l.Destination)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("while creating parent of %s: %w", dest, err)
	}

	if _, err := os.Lstat(dest); err == nil {
		if l.Source != "" && sameUnderlyingFile(l.Source, dest) {
			return nil
		}
		if !sandboxed && l.Kind != KindDir {
			if err := os.Remove(dest); err != nil {
				return fmt.Errorf("while replacing stale link %s: %w", dest, err)
			}
		}
	}

	switch l.Kind {
	case KindDir:
		if err := os.MkdirAll(dest, orDefault(l.Mode, 0o755)); err != nil {
			return fmt.Errorf("while creating directory %s: %w", dest, err)
		}
	case KindBindFile:
		if !sandboxed {
			return symlinkIfMissing(l.Source, dest)
		}
		if err := touch(dest); err != nil {
			return err
		}
		if err := bindMount(l.Source, dest, l.ReadOnly); err != nil {
			return err
		}
	case KindBindDir:
		if !sandboxed {
			return symlinkIfMissing(l.Source, dest)
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("while creating bind target %s: %w", dest, err)
		}
		if err := bindMount(l.Source, dest, l.ReadOnly); err != nil {
			return err
		}
	case KindDevice:
		if !sandboxed {
			return fmt.Errorf("device links are only supported for sandboxed apps: %s", dest)
		}
		rdev, mode, err := resolveDevice(l)
		if err != nil {
			return err
		}
		fileType := uint32(unix.S_IFCHR)
		if mode&unix.S_IFMT == unix.S_IFBLK {
			fileType = unix.S_IFBLK
		}
		if err := unix.Mknod(dest, (uint32(orDefault(mode&0o777, 0o600)))|fileType, int(rdev)); err != nil {
			if !errors.Is(err, unix.EEXIST) {
				return fmt.Errorf("while creating device node %s: %w", dest, err)
			}
		}
	default:
		return fmt.Errorf("unknown link kind for %s", dest)
	}
	return nil
}

// resolveDevice returns l's device number and mode, stat'ing the source
// device node when the planner did not already resolve them (spec §4.2:
// "create a new device node... with the same major/minor as the source").
func resolveDevice(l Link) (rdev uint64, mode os.FileMode, err error) {
	if l.Rdev != 0 {
		return l.Rdev, l.Mode, nil
	}
	var st unix.Stat_t
	if err := unix.Stat(l.Source, &st); err != nil {
		return 0, 0, fmt.Errorf("while stating device source %s: %w", l.Source, err)
	}
	return st.Rdev, os.FileMode(st.Mode), nil
}

func symlinkIfMissing(src, dest string) error {
	if err := os.Symlink(src, dest); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("while symlinking %s to %s: %w", dest, src, err)
		}
	}
	return nil
}

func orDefault(m os.FileMode, def os.FileMode) os.FileMode {
	if m == 0 {
		return def
	}
	return m
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("while creating bind target %s: %w", path, err)
	}
	return f.Close()
}

func bindMount(src, dest string, readonly bool) error {
	if err := unix.Mount(src, dest, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("while bind-mounting %s onto %s: %w", src, dest, err)
	}
	if readonly {
		if err := unix.Mount(src, dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("while remounting %s read-only: %w", dest, err)
		}
	}
	return nil
}

// maxUnmountLoops bounds the mount-table rescan in Teardown, matching the
// original's MAX_NUM_UNMNT_LOOPS safeguard against an infinite loop if
// something keeps re-populating the sandbox's mount table.
const maxUnmountLoops = 20

// Teardown repeatedly scans the live mount table for anything mounted
// under the app's sandbox root, lazily unmounts and removes it, then
// unmounts and removes the sandbox root itself (spec §4.3 Remove,
// adapted from sandbox_Remove's do/while rescan loop).
func (b *Builder) Teardown(appName string) error {
	root := b.Root(appName)
	rootPrefix := strings.TrimSuffix(root, "/") + "/"

	for i := 0; i < maxUnmountLoops; i++ {
		mounts, err := readMountpoints()
		if err != nil {
			return fmt.Errorf("while reading mount table: %w", err)
		}

		found := false
		for _, mp := range mounts {
			if mp == root || !strings.HasPrefix(mp, rootPrefix) {
				continue
			}
			found = true
			sylog.Debugf("unmounting %s", mp)
			if err := unix.Unmount(mp, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.ENOENT) {
				return fmt.Errorf("while unmounting %s: %w", mp, err)
			}
			if err := os.Remove(mp); err != nil && !os.IsNotExist(err) && !errors.Is(err, unix.EBUSY) {
				return fmt.Errorf("while removing %s: %w", mp, err)
			}
		}
		if !found {
			break
		}
	}

	if err := unix.Unmount(root, unix.MNT_DETACH); err != nil &&
		!errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("while unmounting sandbox root %s: %w", root, err)
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("while removing sandbox root %s: %w", root, err)
	}

	b.mu.Lock()
	delete(b.addedLinks, appName)
	b.mu.Unlock()

	sylog.Infof("sandbox for %s removed", appName)
	return nil
}

// readMountpoints returns every current mountpoint on the system, read
// from /proc/self/mountinfo, so Teardown can find everything live under a
// sandbox root regardless of how many times it was mounted on top of
// itself.
func readMountpoints() ([]string, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, err
	}
	mounts := make([]string, 0, len(infos))
	for _, info := range infos {
		mounts = append(mounts, info.Mountpoint)
	}
	return mounts, nil
}

// pathConflict walks dest segment by segment under appName's sandbox root
// and rejects the addition as Duplicate if any intermediate segment already
// exists as a non-directory, or the final segment already exists (spec
// §4.2 addLink's "path conflict check").
func pathConflict(root, dest string) error {
	rel := strings.TrimPrefix(dest, "/")
	if rel == "" {
		return nil
	}
	segments := strings.Split(rel, "/")
	cur := root
	for i, seg := range segments {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("%w: while checking %s: %v", svcerr.Fault, cur, err)
		}
		if i == len(segments)-1 {
			return fmt.Errorf("%w: %s already exists in app %s's sandbox", svcerr.Duplicate, dest, filepath.Base(root))
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s exists as a non-directory in app %s's sandbox", svcerr.Duplicate, dest, filepath.Base(root))
		}
	}
	return nil
}

// AddLink materializes absPath inside appName's sandbox root via the
// external-control addLink operation (spec §4.2: addLink(App, absPath) ->
// Ok|Duplicate|NotFound|Fault). Paths under /proc, /sys, or /dev/shm import
// the entire special directory instead of just absPath, and are recorded
// under that directory's destination so a second addLink anywhere under the
// same special directory reports Duplicate rather than re-importing it.
func (b *Builder) AddLink(appName, absPath string, sandboxed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dest := absPath
	special := false
	if dir, ok := specialDirFor(absPath); ok {
		dest = dir
		special = true
	}

	for _, d := range b.addedLinks[appName] {
		if d == dest {
			return fmt.Errorf("%w: %s is already linked into app %s's sandbox", svcerr.Duplicate, dest, appName)
		}
	}

	root := b.Root(appName)
	if err := pathConflict(root, dest); err != nil {
		return err
	}

	info, err := os.Stat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist on the host", svcerr.NotFound, dest)
		}
		return fmt.Errorf("%w: while stating %s: %v", svcerr.Fault, dest, err)
	}

	l := Link{Source: dest, Destination: dest}
	if info.IsDir() {
		l.Kind = KindBindDir
	} else {
		l.Kind = KindBindFile
	}

	if err := b.ApplyLink(appName, l, sandboxed); err != nil {
		return fmt.Errorf("%w: %v", svcerr.Fault, err)
	}

	if special && dest == "/dev/shm" {
		sylog.Debugf("imported /dev/shm into app %s's sandbox (wildcard label %s not applied)", appName, shmWildcardLabel)
	}

	b.addedLinks[appName] = append(b.addedLinks[appName], dest)
	return nil
}

// RemoveAllLinks unmounts/removes everything AddLink created for appName
// and nothing else, leaving the planned bundle/require link set intact
// (spec §4.2 removeAllLinks(App)).
func (b *Builder) RemoveAllLinks(appName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.Root(appName)
	var firstErr error
	for _, dest := range b.addedLinks[appName] {
		full := filepath.Join(root, dest)
		if err := unix.Unmount(full, unix.MNT_DETACH); err != nil &&
			!errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EINVAL) {
			if firstErr == nil {
				firstErr = fmt.Errorf("while unmounting added link %s: %w", full, err)
			}
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("while removing added link %s: %w", full, err)
			}
		}
	}
	delete(b.addedLinks, appName)
	return firstErr
}

// SetDevPermission chmods a device node already materialized in appName's
// sandbox (spec §4.2 setDevPermission(App, devPath, perms) ->
// Ok|NotFound|Fault).
func (b *Builder) SetDevPermission(appName, devPath string, perm os.FileMode) error {
	full := filepath.Join(b.Root(appName), devPath)
	if _, err := os.Lstat(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: device %s not found in app %s's sandbox", svcerr.NotFound, devPath, appName)
		}
		return fmt.Errorf("%w: while stating %s: %v", svcerr.Fault, full, err)
	}
	if err := os.Chmod(full, perm); err != nil {
		return fmt.Errorf("%w: while chmoding %s: %v", svcerr.Fault, full, err)
	}
	return nil
}

// LinksFromConfig derives the Link set for an app's bundle and require
// entries, so the App Lifecycle Manager only has to hand Builder the parsed
// appconf.AppConfig. Device requirements are resolved against their source
// node's own major/minor at apply time if stat here fails (e.g. the device
// does not exist yet on this host), matching spec §4.2's "same major/minor
// as the source" rule.
func LinksFromConfig(cfg appconf.AppConfig) []Link {
	var links []Link
	for _, d := range cfg.Bundles.Dirs {
		links = append(links, Link{Kind: KindBindDir, Source: d.Src, Destination: d.Dest, ReadOnly: !d.IsWritable})
	}
	for _, f := range cfg.Bundles.Files {
		links = append(links, Link{Kind: KindBindFile, Source: f.Src, Destination: f.Dest, ReadOnly: !f.IsWritable})
	}
	for _, d := range cfg.Requires.Dirs {
		links = append(links, Link{Kind: KindBindDir, Source: d.Src, Destination: d.Dest, ReadOnly: !d.IsWritable})
	}
	for _, f := range cfg.Requires.Files {
		links = append(links, Link{Kind: KindBindFile, Source: f.Src, Destination: f.Dest, ReadOnly: !f.IsWritable})
	}
	for _, dv := range cfg.Requires.Devices {
		l := Link{Kind: KindDevice, Source: dv.Src, Destination: dv.Dest, ReadOnly: !dv.IsWritable}
		var st unix.Stat_t
		if err := unix.Stat(dv.Src, &st); err == nil {
			l.Rdev = st.Rdev
			l.Mode = os.FileMode(st.Mode)
		} else {
			sylog.Warningf("could not stat required device %s, will retry at apply time: %v", dv.Src, err)
		}
		links = append(links, l)
	}
	return links
}
