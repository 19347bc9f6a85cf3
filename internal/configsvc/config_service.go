// Package configsvc watches YAML configuration files and delivers typed
// snapshots on change. The device manager registers its device registration
// file here; edits take effect without restarting the agent.
package configsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type subscriber func(event fsnotify.Event)

type Service struct {
	log *zap.Logger

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	subscribers []subscriber
	ready       chan struct{}
}

func New(log *zap.Logger) *Service {
	return &Service{
		log:   log,
		ready: make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	defer s.watcher.Close()
	close(s.ready)
	s.log.Info("config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			for _, sub := range s.subscribers {
				sub(event)
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("watcher error", zap.Error(err))
		}
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Register reads the file once and re-reads it on every write, passing each
// snapshot to fn. It returns the initial configuration. Service is a
// parameter rather than the receiver so the function can be generic.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("resolve %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	if err != nil {
		return def, fmt.Errorf("read config: %w", err)
	}
	if err := watch(s, absPath, def, fn); err != nil {
		return def, err
	}
	return config, nil
}

// RegisterWriteable is Register for files the agent owns: a missing file is
// created from the default before watching begins.
func RegisterWriteable[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("resolve %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	switch {
	case os.IsNotExist(err):
		if err := writeConfig(absPath, def); err != nil {
			return def, fmt.Errorf("initialize config: %w", err)
		}
		config = def
	case err != nil:
		return def, fmt.Errorf("read config: %w", err)
	}
	if err := watch(s, absPath, def, fn); err != nil {
		return def, err
	}
	return config, nil
}

// watch subscribes fn to write and create events on absPath. Watching the
// directory instead of the file survives editors that replace on save.
func watch[T any](s *Service, absPath string, def T, fn func(config T, err error)) error {
	if err := s.watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", absPath, err)
	}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, func(event fsnotify.Event) {
		if event.Name == absPath && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
			fn(readConfig(absPath, def))
		}
	})
	s.mu.Unlock()
	return nil
}

func writeConfig[T any](path string, config T) error {
	jsonB, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	yamlB, err := yaml.JSONToYAML(jsonB)
	if err != nil {
		return fmt.Errorf("convert json to yaml: %w", err)
	}
	if err := os.WriteFile(path, yamlB, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func readConfig[T any](path string, def T) (T, error) {
	yamlB, err := os.ReadFile(path)
	if err != nil {
		return def, err
	}
	jsonB, err := yaml.YAMLToJSON(yamlB)
	if err != nil {
		return def, fmt.Errorf("convert yaml to json: %w", err)
	}
	if err := json.Unmarshal(jsonB, &def); err != nil {
		return def, fmt.Errorf("unmarshal json: %w", err)
	}
	return def, nil
}
