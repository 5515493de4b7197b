package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"pipegate/logx"
)

// DefaultWorkflowFile is the workflow path inside a project.
const DefaultWorkflowFile = ".pipegate/ci.yml"

// Project represents a project configuration
type Project struct {
	Name        string `yaml:"name" json:"name"`
	Path        string `yaml:"path" json:"path"`
	Workflow    string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ProjectsConfig holds the list of all projects
type ProjectsConfig struct {
	Projects []Project `yaml:"projects" json:"projects"`
}

// LoadProjects loads the projects configuration from a YAML file
func LoadProjects(configPath string) (*ProjectsConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read projects config")
	}

	var config ProjectsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse projects config")
	}

	seen := map[string]bool{}
	for _, p := range config.Projects {
		if p.Name == "" {
			return nil, errors.New("project without a name")
		}
		if seen[p.Name] {
			return nil, errors.Errorf("duplicate project %q", p.Name)
		}
		seen[p.Name] = true
	}

	return &config, nil
}

// GetProject returns a project by name
func (pc *ProjectsConfig) GetProject(name string) (*Project, error) {
	for i := range pc.Projects {
		if pc.Projects[i].Name == name {
			p := pc.Projects[i]
			return &p, nil
		}
	}
	return nil, errors.Wrapf(ErrProjectNotFound, "%q", name)
}

// SourcePath returns the absolute project directory
func (p *Project) SourcePath(baseDir string) string {
	if filepath.IsAbs(p.Path) {
		return p.Path
	}
	return filepath.Join(baseDir, p.Path)
}

// WorkflowPath returns the absolute path to the project's workflow file
func (p *Project) WorkflowPath(baseDir string) string {
	wf := p.Workflow
	if wf == "" {
		wf = DefaultWorkflowFile
	}
	if filepath.IsAbs(wf) {
		return wf
	}
	return filepath.Join(p.SourcePath(baseDir), wf)
}

// Validate checks that the project directory and its workflow exist
func (p *Project) Validate(baseDir string) error {
	info, err := os.Stat(p.SourcePath(baseDir))
	if err != nil {
		return errors.Wrap(err, "project path does not exist")
	}
	if !info.IsDir() {
		return errors.New("project path is not a directory")
	}

	if _, err := LoadWorkflow(p.WorkflowPath(baseDir)); err != nil {
		return err
	}
	return nil
}

// Registry is a reloadable view of projects.yml.
type Registry struct {
	path    string
	baseDir string

	mu     sync.RWMutex
	config *ProjectsConfig
}

// NewRegistry loads path. A missing file yields an empty registry.
func NewRegistry(path string) (*Registry, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve projects path")
	}
	r := &Registry{path: path, baseDir: filepath.Dir(path), config: &ProjectsConfig{Projects: []Project{}}}
	if err := r.Reload(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}
	return r, nil
}

// BaseDir is the directory relative project paths resolve against.
func (r *Registry) BaseDir() string { return r.baseDir }

// Reload re-reads the projects file; on error the previous config is kept.
func (r *Registry) Reload() error {
	cfg, err := LoadProjects(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	logx.Info("📁 projects loaded", "count", len(cfg.Projects), "file", r.path)
	return nil
}

// Projects returns a snapshot of the registered projects.
func (r *Registry) Projects() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, len(r.config.Projects))
	copy(out, r.config.Projects)
	return out
}

// Get returns a project by name.
func (r *Registry) Get(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.GetProject(name)
}

// Watch reloads the registry whenever the projects file changes, until ctx
// is done. The directory is watched so editors that replace the file by
// rename are picked up too.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(r.baseDir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", r.baseDir)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				logx.Warn("⚠️  projects reload failed, keeping previous config", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logx.Warn("projects watcher error", "err", err)
		}
	}
}
