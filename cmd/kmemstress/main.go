/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command kmemstress runs a concurrent allocation workload against an object
// cache and the general-purpose allocator, then prints allocator statistics.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"unsafe"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/cloudwego/kmem/cache/mempool"
	"github.com/cloudwego/kmem/cache/slab"
	"github.com/cloudwego/kmem/config"
	"github.com/cloudwego/kmem/internal/logutil"
	"github.com/cloudwego/kmem/metrics"
	"github.com/cloudwego/kmem/unsafex"
	"github.com/cloudwego/kmem/unsafex/malloc"
)

type options struct {
	config  string
	threads int
	objects int
	size    int
	align   int
	verify  bool
	rounds  int
	listen  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("kmemstress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.config, "config", "", "YAML configuration file")
	fs.IntVar(&opts.threads, "threads", 4, "number of concurrent workers")
	fs.IntVar(&opts.objects, "objects", 1000, "objects held by each worker per round")
	fs.IntVar(&opts.size, "size", 64, "object size of the stress cache")
	fs.IntVar(&opts.align, "align", 0, "object alignment of the stress cache")
	fs.BoolVar(&opts.verify, "verify", false, "create every cache in verify mode")
	fs.IntVar(&opts.rounds, "rounds", 10, "allocation rounds per worker")
	fs.StringVar(&opts.listen, "listen", "", "serve Prometheus metrics on this address and wait for a signal")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := logutil.New(stderr)
	slab.SetLogger(logger)
	malloc.SetLogger(logger)
	config.SetLogger(logger)

	if err := stress(opts, stdout, logger); err != nil {
		level.Error(logger).Log("msg", "stress failed", "err", err)
		return 1
	}
	return 0
}

func stress(opts options, stdout io.Writer, logger log.Logger) error {
	if opts.threads <= 0 || opts.objects <= 0 || opts.rounds <= 0 {
		return errors.New("threads, objects and rounds must be positive")
	}
	cfg := config.Default()
	if opts.config != "" {
		var err error
		if cfg, err = config.Load(opts.config); err != nil {
			return err
		}
	}
	if opts.verify {
		cfg.Debug = true
	}
	if err := cfg.Apply(); err != nil {
		return err
	}

	var srv *http.Server
	if opts.listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector())
		srv = &http.Server{Addr: opts.listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Error(logger).Log("msg", "metrics server failed", "err", err)
			}
		}()
		level.Info(logger).Log("msg", "serving metrics", "addr", opts.listen)
	}

	c, err := slab.NewCache("stress_obj", opts.size, opts.align, nil, nil, 0)
	if err != nil {
		return err
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed error
	)
	for i := 0; i < opts.threads; i++ {
		wg.Add(1)
		seed := int64(i)
		gopool.Go(func() {
			defer wg.Done()
			if err := work(c, opts, seed); err != nil {
				mu.Lock()
				failed = err
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if failed != nil {
		return failed
	}

	c.Drain()
	reaped := slab.ReapAll()
	fmt.Fprintf(stdout, "workload: %d threads x %d rounds x %d objects, %d slabs reaped\n\n",
		opts.threads, opts.rounds, opts.objects, reaped)
	if err := c.Info(stdout); err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	if err := slab.Info(stdout); err != nil {
		return err
	}
	printSegments(stdout)

	if srv != nil {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return srv.Close()
	}
	return c.Destroy()
}

// work allocates objects from c and buffers of random sizes from mempool,
// stamps them, and checks the stamps before freeing.
func work(c *slab.Cache, opts options, seed int64) error {
	rnd := rand.New(rand.NewSource(seed))
	objs := make([]unsafe.Pointer, opts.objects)
	bufs := make([][]byte, opts.objects)
	for r := 0; r < opts.rounds; r++ {
		stamp := byte(seed)<<4 | byte(r)
		for i := range objs {
			p := c.Alloc()
			if p == nil {
				return errors.Errorf("cache %s exhausted", c.Name())
			}
			unsafex.Memset(uintptr(p), stamp, opts.size)
			objs[i] = p

			b := mempool.Alloc(1 + rnd.Intn(2*mempool.MaxCacheSize/64))
			if b == nil {
				return errors.New("mempool exhausted")
			}
			for j := range b {
				b[j] = stamp
			}
			bufs[i] = b
		}
		for i, p := range objs {
			if bad := unsafex.CheckBytes(uintptr(p), stamp, opts.size); bad != 0 {
				return errors.Errorf("object %#x overwritten at offset %d", uintptr(p), bad-uintptr(p))
			}
			c.Free(p)
			for _, v := range bufs[i] {
				if v != stamp {
					return errors.New("mempool buffer overwritten")
				}
			}
			mempool.Free(bufs[i])
		}
	}
	return nil
}

func printSegments(w io.Writer) {
	segs := malloc.Default().Segments()
	if len(segs) == 0 {
		fmt.Fprintln(w, "\nno buddy segments, slabs mapped from the OS")
		return
	}
	fmt.Fprintf(w, "\n%-12s %-8s %10s %10s %10s\n", "segment", "priority", "size", "free", "cached")
	for _, s := range segs {
		st := s.Stats()
		fmt.Fprintf(w, "%-12s %-8s %10s %10s %10s\n", st.Name, st.Priority,
			humanize.IBytes(uint64(st.NrPages)*malloc.PageSize),
			humanize.IBytes(uint64(st.FreePages)*malloc.PageSize),
			humanize.IBytes(uint64(st.PoolPages)*malloc.PageSize))
	}
}
