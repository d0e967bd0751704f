/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/camerony/mlx-throughput-lab/internal/proxy"
	"github.com/camerony/mlx-throughput-lab/internal/server"
)

// ClusterConfig describes the backends (and, for more than one instance,
// the round-robin proxy over them) a sweep runs against.
type ClusterConfig struct {
	Server    server.Config
	Instances int

	// BasePort assigns ports basePort+index to instances; 0 lets the OS
	// choose. Callers picking an explicit base port own the responsibility
	// of keeping ranges disjoint across concurrent sweeps.
	BasePort       int
	StartupStagger time.Duration

	Proxy proxy.Config

	Logger *zap.SugaredLogger
}

// Cluster is a pool of backends fronted by a proxy when there is more than
// one instance. It implements Target.
type Cluster struct {
	pool    *server.Pool
	proxy   *proxy.Proxy
	baseURL string
	logger  *zap.SugaredLogger
}

// AcquireCluster starts the backends (staggered if configured) and, when
// more than one, the proxy over them. On any failure everything started so
// far is released before the error is returned.
func AcquireCluster(ctx context.Context, cfg ClusterConfig) (*Cluster, error) {
	if cfg.Instances < 1 {
		cfg.Instances = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	sup, err := server.New(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}

	pool, err := sup.AcquireMany(ctx, cfg.Instances, cfg.BasePort, cfg.StartupStagger)
	if err != nil {
		return nil, err
	}

	c := &Cluster{pool: pool, logger: cfg.Logger}
	if cfg.Instances == 1 {
		c.baseURL = pool.Instances[0].BaseURL()
		return c, nil
	}

	proxyCfg := cfg.Proxy
	proxyCfg.Backends = make([]proxy.Endpoint, len(pool.Instances))
	for i, inst := range pool.Instances {
		proxyCfg.Backends[i] = proxy.Endpoint{Host: inst.Host, Port: inst.Port}
	}
	if proxyCfg.ListenHost == "" {
		proxyCfg.ListenHost = pool.Instances[0].Host
	}
	if proxyCfg.Logger == nil {
		proxyCfg.Logger = cfg.Logger
	}

	px, err := proxy.Start(ctx, proxyCfg)
	if err != nil {
		if rerr := pool.Release(); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	c.proxy = px
	c.baseURL = px.BaseURL()
	return c, nil
}

// BaseURL is the endpoint the sweep sends load to.
func (c *Cluster) BaseURL() string { return c.baseURL }

// Release tears down the proxy first, then the backends in reverse
// acquisition order.
func (c *Cluster) Release() error {
	var errs []error
	if c.proxy != nil {
		if err := c.proxy.Release(); err != nil {
			errs = append(errs, err)
		}
		c.proxy = nil
	}
	if c.pool != nil {
		if err := c.pool.Release(); err != nil {
			errs = append(errs, err)
		}
		c.pool = nil
	}
	return errors.Join(errs...)
}

// Instances returns the number of supervised backends.
func (c *Cluster) Instances() int {
	if c.pool == nil {
		return 0
	}
	return len(c.pool.Instances)
}
