// Package plugin hosts the server-side modules: discovery, capability
// validation, lifecycle, and the per-plugin message workers that serialize
// plugin logic.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
)

// FactorySymbol is the exported symbol looked up in a shared-object plugin:
// `func Create() core.Plugin`.
const FactorySymbol = "Create"

var (
	ErrPluginNotFound  = errors.New("no such plugin")
	ErrDuplicatePlugin = errors.New("plugin package already registered")
	ErrInvalidPlugin   = errors.New("plugin capability record is incomplete")
	ErrQueueFull       = errors.New("plugin message queue is full")
)

const messageQueueDepth = 256

// InboundMessage is one queued `message` request for a plugin worker.
type InboundMessage struct {
	Handle      *core.Handle
	Transaction string
	Body        []byte
	Jsep        *core.JSEP
}

type registration struct {
	plugin core.Plugin
	queue  chan InboundMessage
}

// Host owns every loaded plugin and its worker.
type Host struct {
	mu      sync.Mutex
	plugins map[string]*registration

	callbacks  core.Callbacks
	configPath string

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewHost(callbacks core.Callbacks, configPath string) *Host {
	return &Host{
		plugins:    make(map[string]*registration),
		callbacks:  callbacks,
		configPath: configPath,
		stop:       make(chan struct{}),
	}
}

// Register validates the plugin's capability record, runs Init, and starts
// its message worker. The method set is enforced by the compiler; what is
// checked here is the metadata and package uniqueness.
func (h *Host) Register(p core.Plugin) error {
	if p == nil || p.Package() == "" || p.Name() == "" || p.VersionString() == "" {
		return ErrInvalidPlugin
	}

	h.mu.Lock()
	if _, taken := h.plugins[p.Package()]; taken {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Package())
	}
	reg := &registration{
		plugin: p,
		queue:  make(chan InboundMessage, messageQueueDepth),
	}
	h.plugins[p.Package()] = reg
	h.mu.Unlock()

	if err := p.Init(h.callbacks, h.configPath); err != nil {
		h.mu.Lock()
		delete(h.plugins, p.Package())
		h.mu.Unlock()
		return err
	}

	h.wg.Add(1)
	go h.runWorker(reg)

	log.Info().
		Str("plugin", p.Package()).
		Str("name", p.Name()).
		Int("version", p.Version()).
		Str("version_string", p.VersionString()).
		Str("service", "plugin").
		Msg("plugin registered")
	return nil
}

// LoadDir scans dir for shared objects, invokes their factory symbol and
// registers the result. Failures are skipped with a warning.
func (h *Host) LoadDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Str("service", "plugin").Msg("can't access plugins folder")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		so, err := goplugin.Open(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Str("service", "plugin").Msg("can't load plugin")
			continue
		}
		sym, err := so.Lookup(FactorySymbol)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Str("service", "plugin").Msg("plugin has no factory symbol")
			continue
		}
		factory, ok := sym.(func() core.Plugin)
		if !ok {
			log.Warn().Str("path", path).Str("service", "plugin").Msg("factory symbol has wrong type")
			continue
		}
		if err := h.Register(factory()); err != nil {
			log.Warn().Err(err).Str("path", path).Str("service", "plugin").Msg("plugin rejected")
		}
	}
}

// Find resolves a plugin by its package name.
func (h *Host) Find(pkg string) core.Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reg := h.plugins[pkg]; reg != nil {
		return reg.plugin
	}
	return nil
}

// Each calls fn for every registered plugin.
func (h *Host) Each(fn func(p core.Plugin)) {
	h.mu.Lock()
	plugins := make([]core.Plugin, 0, len(h.plugins))
	for _, reg := range h.plugins {
		plugins = append(plugins, reg.plugin)
	}
	h.mu.Unlock()
	for _, p := range plugins {
		fn(p)
	}
}

// Dispatch queues a message for the worker of the handle's bound plugin.
func (h *Host) Dispatch(msg InboundMessage) error {
	h.mu.Lock()
	reg := h.plugins[msg.Handle.Plugin.Package()]
	h.mu.Unlock()
	if reg == nil {
		return ErrPluginNotFound
	}

	select {
	case reg.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops the workers, waits for them, then destroys every plugin.
func (h *Host) Shutdown() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	plugins := make([]core.Plugin, 0, len(h.plugins))
	for _, reg := range h.plugins {
		plugins = append(plugins, reg.plugin)
	}
	h.plugins = make(map[string]*registration)
	h.mu.Unlock()

	for _, p := range plugins {
		p.Destroy()
		log.Info().Str("plugin", p.Package()).Str("service", "plugin").Msg("plugin destroyed")
	}
}
