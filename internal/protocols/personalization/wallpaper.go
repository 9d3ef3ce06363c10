package personalization

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linuxdeepin/treeland-sub002/internal/store"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"golang.org/x/sys/unix"
)

var WallpaperContextInterface = &wayland.Interface{
	Name:    "treeland_personalization_wallpaper_context_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_fd", Signature: "hs"},
		{Name: "set_identifier", Signature: "s"},
		{Name: "set_output", Signature: "s"},
		{Name: "set_on", Signature: "u"},
		{Name: "set_isdark", Signature: "u"},
		{Name: "commit", Signature: ""},
		{Name: "get_metadata", Signature: ""},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "metadata", Signature: "s"},
	},
}

const (
	wallpaperRequestSetFD = iota
	wallpaperRequestSetIdentifier
	wallpaperRequestSetOutput
	wallpaperRequestSetOn
	wallpaperRequestSetIsDark
	wallpaperRequestCommit
	wallpaperRequestGetMetadata
	wallpaperRequestDestroy
)

const wallpaperEventMetadata = 0

// Targets of set_on.
const (
	OnBackground uint32 = 1
	OnLockscreen uint32 = 2
)

const fallbackOutput = "default"

// wallpaperContext collects an image descriptor and where to show it. The
// context owns the descriptor until commit hands it to the copy job.
type wallpaperContext struct {
	m          *Manager
	u          *user
	fd         int
	metadata   string
	identifier string
	output     string
	on         uint32
	isDark     bool
}

func (m *Manager) newWallpaperContext(res *wayland.Resource, u *user) {
	wc := &wallpaperContext{m: m, u: u, fd: -1}
	res.SetHandler(wc)
	m.display.Metrics().HandleCreated("wallpaper_context")
	res.OnDestroy(func(*wayland.Resource) {
		wc.closeFD()
		m.display.Metrics().HandleDestroyed("wallpaper_context")
	})
}

func (wc *wallpaperContext) closeFD() {
	if wc.fd >= 0 {
		unix.Close(wc.fd) //nolint:errcheck
		wc.fd = -1
	}
}

func (wc *wallpaperContext) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case wallpaperRequestSetFD:
		wc.closeFD()
		wc.fd = args.FD(0)
		wc.metadata = args.String(1)
	case wallpaperRequestSetIdentifier:
		wc.identifier = args.String(0)
	case wallpaperRequestSetOutput:
		wc.output = args.String(0)
	case wallpaperRequestSetOn:
		wc.on = args.Uint(0)
	case wallpaperRequestSetIsDark:
		wc.isDark = args.Uint(0) != 0
	case wallpaperRequestCommit:
		wc.commit()
	case wallpaperRequestGetMetadata:
		wc.u.when(func() { r.Post(wallpaperEventMetadata, wc.m.get(wc.u, wallpaperMetadata).(string)) })
	case wallpaperRequestDestroy:
		r.Destroy()
	}
	return nil
}

func (wc *wallpaperContext) commit() {
	m := wc.m
	var roles []int
	if wc.on&OnBackground != 0 {
		roles = append(roles, store.RoleDesktop)
	}
	if wc.on&OnLockscreen != 0 {
		roles = append(roles, store.RoleLockscreen)
	}
	if wc.fd < 0 || len(roles) == 0 {
		m.log.Debug("wallpaper commit ignored", "uid", wc.u.uid, "fd", wc.fd, "on", wc.on)
		return
	}

	output := wc.output
	if output == "" && m.defaultOutput != nil {
		output = m.defaultOutput()
	}
	if output == "" {
		output = fallbackOutput
	}
	job := &saveJob{
		fd:       wc.fd,
		dir:      filepath.Join(m.cacheDir, strconv.Itoa(wc.u.uid)),
		output:   output,
		roles:    roles,
		uid:      wc.u.uid,
		isDark:   wc.isDark,
		metadata: wc.metadata,
		persist:  m.persistent(wc.u),
	}
	wc.fd = -1

	u, identifier := job.uid, wc.identifier
	done := func(err error) {
		if err != nil {
			m.log.Warn("wallpaper not saved", "uid", u, "output", output, "identifier", identifier, "err", err)
			return
		}
		m.log.Info("wallpaper saved", "uid", u, "output", output, "identifier", identifier)
		m.update(wc.u, wallpaperMetadata, job.metadata)
		for i, role := range job.roles {
			m.emit(WallpaperChanged{UID: u, Output: output, Role: role, Path: job.paths[i], IsDark: job.isDark})
		}
	}
	if job.persist {
		for range job.roles {
			job.seqs = append(job.seqs, m.worker.NextSeq())
		}
		job.metaSeq = m.worker.NextSeq()
	}
	if !m.worker.Submit("save_wallpaper", job.run, done) {
		unix.Close(job.fd) //nolint:errcheck
	}
}

// saveJob copies a client's wallpaper into the cache and records it. It
// runs off the loop and only touches its own fields.
type saveJob struct {
	fd       int
	dir      string
	output   string
	roles    []int
	uid      int
	isDark   bool
	metadata string
	persist  bool
	seqs     []int64
	metaSeq  int64
	paths    []string
}

func (j *saveJob) run(ctx context.Context, s *store.Store) error {
	src := os.NewFile(uintptr(j.fd), "wallpaper")
	defer src.Close() //nolint:errcheck
	if _, err := src.Seek(0, io.SeekStart); err != nil && !isUnseekable(err) {
		return fmt.Errorf("rewind wallpaper: %w", err)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read wallpaper: %w", err)
	}
	if err := os.MkdirAll(j.dir, 0o700); err != nil {
		return fmt.Errorf("create wallpaper dir: %w", err)
	}

	name := strings.ReplaceAll(j.output, string(filepath.Separator), "_")
	for _, role := range j.roles {
		dest := filepath.Join(j.dir, rolePrefix(role)+"_"+name)
		if err := writeFileAtomic(dest, data); err != nil {
			return err
		}
		j.paths = append(j.paths, dest)
	}
	if s == nil || !j.persist {
		return nil
	}
	for i, role := range j.roles {
		wp := store.Wallpaper{UID: j.uid, Output: j.output, Role: role, Kind: store.KindImage, Source: j.paths[i], IsDark: j.isDark}
		if err := s.PutWallpaper(ctx, j.seqs[i], wp); err != nil {
			return err
		}
	}
	return s.Put(ctx, j.metaSeq, j.uid, wallpaperMetadata.scope, wallpaperMetadata.key, j.metadata)
}

func rolePrefix(role int) string {
	if role == store.RoleLockscreen {
		return "lockscreen"
	}
	return "background"
}

func isUnseekable(err error) bool {
	return errors.Is(err, unix.ESPIPE)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wallpaper-*")
	if err != nil {
		return fmt.Errorf("create temp wallpaper: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("write wallpaper: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("close wallpaper: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("install wallpaper: %w", err)
	}
	return nil
}
