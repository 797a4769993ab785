package registry

import (
	"context"
	"log"
	"os"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/forge"
	"github.com/drewdunne/mergequeue/internal/forge/github"
	"github.com/drewdunne/mergequeue/internal/forge/gitlab"
)

// Registry manages forge.Client instances, one per configured provider.
type Registry struct {
	clients map[string]forge.Client
}

// New creates a new forge client registry from config. GitHub supports two
// auth modes: a static token (default), or a GitHub App installation
// (auth_method: "app"), which mints a short-lived installation token at
// startup from the configured app ID and private key.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		clients: make(map[string]forge.Client),
	}

	gh := cfg.Providers.GitHub
	switch {
	case gh.AuthMethod == "app" && gh.AppID != "":
		key, err := os.ReadFile(gh.PrivateKeyPath)
		if err != nil {
			log.Printf("reading GitHub App private key %s: %v", gh.PrivateKeyPath, err)
			break
		}
		client, err := github.NewFromApp(context.Background(), gh.AppID, key, gh.InstallationID)
		if err != nil {
			log.Printf("minting GitHub App installation token: %v", err)
			break
		}
		r.clients["github"] = client
	case gh.Token != "":
		r.clients["github"] = github.New(gh.Token)
	}

	if cfg.Providers.GitLab.Token != "" {
		r.clients["gitlab"] = gitlab.New(cfg.Providers.GitLab.Token)
	}

	return r
}

// Get returns the forge client for the given provider name, or nil if not
// configured.
func (r *Registry) Get(name string) forge.Client {
	return r.clients[name]
}

// List returns all configured provider names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
