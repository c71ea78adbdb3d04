package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"plugin-jobs/internal/models"
	"strings"
)

const (
	pluginExt      = ".jar"
	disabledSuffix = ".disabled"
)

// PluginManager installs and manages plugin archives in a single plugins
// directory. A disabled plugin keeps its archive with a ".disabled" suffix.
type PluginManager struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

// NewPluginManager creates the plugins directory if needed
func NewPluginManager(dir string, client *http.Client, logger *slog.Logger) (*PluginManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginManager{dir: dir, client: client, logger: logger}, nil
}

// Registry returns a registry with every plugin action wired to m
func (m *PluginManager) Registry() *Registry {
	r := NewRegistry()
	r.Register(models.ActionInstall, m.Install)
	r.Register(models.ActionUninstall, m.Uninstall)
	r.Register(models.ActionUpdate, m.Update)
	r.Register(models.ActionEnable, m.Enable)
	r.Register(models.ActionDisable, m.Disable)
	return r
}

func (m *PluginManager) enabledPath(name string) string {
	return filepath.Join(m.dir, name+pluginExt)
}

func (m *PluginManager) disabledPath(name string) string {
	return m.enabledPath(name) + disabledSuffix
}

// installedPath returns the archive for name and whether it is enabled
func (m *PluginManager) installedPath(name string) (string, bool, error) {
	if fileExists(m.enabledPath(name)) {
		return m.enabledPath(name), true, nil
	}
	if fileExists(m.disabledPath(name)) {
		return m.disabledPath(name), false, nil
	}
	return "", false, Errorf("not_installed", "plugin %s is not installed", name)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// pluginName validates the requested name, falling back to the archive name
// in rawURL when none was given.
func pluginName(name, rawURL string) (string, error) {
	if name == "" && rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	name = strings.TrimSuffix(name, pluginExt)
	if name == "" || name == "." || name == ".." || name == "/" || strings.ContainsAny(name, `/\`) {
		return "", Errorf("invalid_plugin_name", "invalid plugin name %q", name)
	}
	return name, nil
}

func boolOption(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}

// Install downloads req.URL into the plugins directory
func (m *PluginManager) Install(ctx context.Context, req Request, progress ProgressFunc) (map[string]any, error) {
	name, err := pluginName(req.PluginName, req.URL)
	if err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, Errorf("invalid_request", "install requires a url")
	}

	overwrite := boolOption(req.Options, "overwrite")
	if existing, _, err := m.installedPath(name); err == nil && !overwrite {
		return nil, Errorf("already_installed", "plugin %s is already installed at %s", name, existing)
	}

	progress(fmt.Sprintf("Downloading %s from %s", name, req.URL), NoPercent)
	dest := m.enabledPath(name)
	n, err := m.download(ctx, req.URL, dest, progress)
	if err != nil {
		return nil, err
	}

	if overwrite {
		os.Remove(m.disabledPath(name))
	}

	progress(fmt.Sprintf("Installed %s", name), 100)
	m.logger.Info("plugin installed", "plugin", name, "bytes", n)
	return map[string]any{"plugin": name, "path": dest, "bytes": n}, nil
}

// Uninstall removes the plugin archive, enabled or disabled
func (m *PluginManager) Uninstall(ctx context.Context, req Request, progress ProgressFunc) (map[string]any, error) {
	name, err := pluginName(req.PluginName, "")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, _, err := m.installedPath(name)
	if err != nil {
		return nil, err
	}

	progress(fmt.Sprintf("Removing %s", filepath.Base(p)), NoPercent)
	if err := os.Remove(p); err != nil {
		return nil, &Error{Code: "io_error", Message: "failed to remove plugin", Err: err}
	}

	m.logger.Info("plugin uninstalled", "plugin", name)
	return map[string]any{"plugin": name, "path": p}, nil
}

// Update replaces an installed plugin with the archive at req.URL, keeping
// its enabled or disabled state.
func (m *PluginManager) Update(ctx context.Context, req Request, progress ProgressFunc) (map[string]any, error) {
	name, err := pluginName(req.PluginName, "")
	if err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, Errorf("invalid_request", "update requires a url")
	}

	p, enabled, err := m.installedPath(name)
	if err != nil {
		return nil, err
	}

	progress(fmt.Sprintf("Downloading new version of %s from %s", name, req.URL), NoPercent)
	n, err := m.download(ctx, req.URL, p, progress)
	if err != nil {
		return nil, err
	}

	progress(fmt.Sprintf("Updated %s", name), 100)
	m.logger.Info("plugin updated", "plugin", name, "bytes", n)
	return map[string]any{"plugin": name, "path": p, "bytes": n, "enabled": enabled}, nil
}

// Enable renames a disabled archive back to its active name
func (m *PluginManager) Enable(ctx context.Context, req Request, progress ProgressFunc) (map[string]any, error) {
	return m.toggle(ctx, req, progress, true)
}

// Disable renames an archive so the server does not load it
func (m *PluginManager) Disable(ctx context.Context, req Request, progress ProgressFunc) (map[string]any, error) {
	return m.toggle(ctx, req, progress, false)
}

func (m *PluginManager) toggle(ctx context.Context, req Request, progress ProgressFunc, enable bool) (map[string]any, error) {
	name, err := pluginName(req.PluginName, "")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, enabled, err := m.installedPath(name)
	if err != nil {
		return nil, err
	}

	state := "disabled"
	if enable {
		state = "enabled"
	}
	if enabled == enable {
		progress(fmt.Sprintf("%s is already %s", name, state), NoPercent)
		return map[string]any{"plugin": name, "path": p, "enabled": enabled, "changed": false}, nil
	}

	target := m.disabledPath(name)
	if enable {
		target = m.enabledPath(name)
	}
	if err := os.Rename(p, target); err != nil {
		return nil, &Error{Code: "io_error", Message: "failed to rename plugin", Err: err}
	}

	progress(fmt.Sprintf("%s %s", name, state), NoPercent)
	m.logger.Info("plugin "+state, "plugin", name)
	return map[string]any{"plugin": name, "path": target, "enabled": enable, "changed": true}, nil
}

// download fetches rawURL into dest through a temp file in the plugins
// directory, so a failed or cancelled download never replaces dest.
func (m *PluginManager) download(ctx context.Context, rawURL, dest string, progress ProgressFunc) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &Error{Code: "invalid_request", Message: "invalid download url", Err: err}
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &Error{Code: "download_failed", Message: "download request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, Errorf("download_failed", "download returned HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(m.dir, ".download-*")
	if err != nil {
		return 0, &Error{Code: "io_error", Message: "failed to create temp file", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := &progressWriter{total: resp.ContentLength, report: progress, last: -1}
	n, err := io.Copy(io.MultiWriter(tmp, w), resp.Body)
	if err != nil {
		tmp.Close()
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &Error{Code: "download_failed", Message: "download interrupted", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, &Error{Code: "io_error", Message: "failed to sync download", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return 0, &Error{Code: "io_error", Message: "failed to close download", Err: err}
	}

	// last checkpoint before the archive becomes visible to the server
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, &Error{Code: "io_error", Message: "failed to move download into place", Err: err}
	}
	return n, nil
}

// progressWriter reports download progress in 10% steps when the size is known
type progressWriter struct {
	total   int64
	written int64
	last    int
	report  ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.total <= 0 {
		return len(p), nil
	}
	pct := int(w.written * 100 / w.total)
	if pct > 100 {
		pct = 100
	}
	step := pct / 10 * 10
	if step > w.last {
		w.last = step
		w.report(fmt.Sprintf("Downloaded %d of %d bytes", w.written, w.total), step)
	}
	return len(p), nil
}

