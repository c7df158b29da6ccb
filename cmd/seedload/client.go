package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/seedload/internal/client"
	"github.com/kalambet/seedload/internal/config"
	"github.com/kalambet/seedload/internal/objectstore"
)

var newAPIClient = func() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token := cfg.Server.APIToken
	if token == "" {
		token, err = config.GetAPIToken(config.NewSecretStore())
		if err != nil {
			return nil, fmt.Errorf("getting API token: %w", err)
		}
	}

	return client.New(
		fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token,
		&http.Client{Timeout: 30 * time.Second},
	), nil
}

var newObjectStore = func(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	return objectstore.New(ctx, objectConfig(cfg))
}

func objectConfig(cfg config.Config) objectstore.Config {
	return objectstore.Config{
		Backend:   cfg.Object.Backend,
		Endpoint:  cfg.Object.Endpoint,
		Region:    cfg.Object.Region,
		AccessKey: cfg.Object.AccessKey,
		SecretKey: cfg.Object.SecretKey,
		UseSSL:    cfg.Object.UseSSL,
	}
}
