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

package server

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pool is a set of backend instances acquired together. Release tears them
// down in reverse acquisition order.
type Pool struct {
	Instances []*Instance
}

// AcquireMany spawns count backends with ports basePort, basePort+1, ...
// (or all OS-assigned when basePort is 0), optionally staggering spawns by
// stagger to reduce load contention during model loading. If any instance
// fails to start, the instances acquired so far are released before the
// error is returned.
func (s *Supervisor) AcquireMany(ctx context.Context, count, basePort int, stagger time.Duration) (*Pool, error) {
	if count < 1 {
		return nil, fmt.Errorf("instance count must be >= 1, got %d", count)
	}
	if basePort == 0 && count > 1 {
		// Backends bind sequential ports so the proxy upstream list is
		// deterministic; reserve a contiguous range up front.
		p, err := pickPort(s.cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to pick base port: %w", err)
		}
		basePort = p
	}

	pool := &Pool{Instances: make([]*Instance, 0, count)}
	for index := 0; index < count; index++ {
		port := basePort
		if basePort != 0 {
			port = basePort + index
		}
		inst, err := s.acquireOn(ctx, port)
		if err != nil {
			relErr := pool.Release()
			if relErr != nil {
				return nil, errors.Join(err, relErr)
			}
			return nil, err
		}
		pool.Instances = append(pool.Instances, inst)

		if stagger > 0 && index < count-1 {
			sleepCtx(ctx, stagger)
		}
	}
	return pool, nil
}

// Release terminates every instance in reverse acquisition order. All
// instances are released even if some fail; errors are joined.
func (p *Pool) Release() error {
	var errs []error
	for i := len(p.Instances) - 1; i >= 0; i-- {
		if err := p.Instances[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
