//go:build js

// Command pipeline-wasm exposes the pixel-transform pipeline to JavaScript.
//
// It registers globalThis.framePipeline.analyze(configYAML, frames), where
// frames is an array of {width, height, timestampMs, rgba: Uint8Array}. The
// returned promise resolves to a JSON array of result records in delivery
// order per trigger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall/js"
	"time"

	"github.com/tendant/simple-frame-pipeline/internal/backends"
	"github.com/tendant/simple-frame-pipeline/internal/config"
	"github.com/tendant/simple-frame-pipeline/internal/logger"
	"github.com/tendant/simple-frame-pipeline/internal/scheduler"
	"github.com/tendant/simple-frame-pipeline/internal/sink"
	"github.com/tendant/simple-frame-pipeline/internal/source"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

func main() {
	api := js.Global().Get("Object").New()
	api.Set("analyze", js.FuncOf(analyze))
	api.Set("environment", backends.Env)
	js.Global().Set("framePipeline", api)

	// Keep the exported functions alive
	select {}
}

func analyze(_ js.Value, args []js.Value) any {
	if len(args) != 2 {
		return reject(fmt.Errorf("analyze expects (configYAML, frames)"))
	}
	cfgYAML := args[0].String()
	frames, err := readFrames(args[1])
	if err != nil {
		return reject(err)
	}

	return promise(func() (string, error) {
		records, err := run(context.Background(), cfgYAML, frames)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(records)
		return string(b), err
	})
}

func run(ctx context.Context, cfgYAML string, frames []*pipeline.Frame) ([]sink.Record, error) {
	cfg, err := config.Parse([]byte(cfgYAML))
	if err != nil {
		return nil, err
	}
	cfg.Source = pipeline.SourceConfig{Kind: pipeline.SourceMemory}

	log := logger.New(os.Stderr, logger.Config{Level: "warn", Format: "json"})

	var (
		mu      sync.Mutex
		records []sink.Record
	)
	collect := sink.Func(func(_ context.Context, out pipeline.RunnerOutput) error {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, sink.NewRecord(out))
		return nil
	})
	consumers := make(map[string]sink.Sink, len(cfg.Triggers))
	for id := range cfg.Triggers {
		consumers[id] = collect
	}

	p, err := config.Build(ctx, cfg, config.BuildOptions{
		Runners:     backends.Runners(),
		SourceKinds: backends.SourceKinds(),
		Logger:      log,
		Consumers:   consumers,
	})
	if err != nil {
		return nil, err
	}
	defer p.Close()

	sched, err := scheduler.New(p.Triggers,
		scheduler.WithMaxInFlight(p.Config.MaxInFlight),
		scheduler.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	if err := sched.Run(ctx, source.NewMemorySource(frames...)); err != nil {
		return nil, err
	}
	return records, nil
}

func readFrames(v js.Value) ([]*pipeline.Frame, error) {
	n := v.Length()
	frames := make([]*pipeline.Frame, 0, n)
	for i := 0; i < n; i++ {
		f := v.Index(i)
		width, height := f.Get("width").Int(), f.Get("height").Int()
		rgba := f.Get("rgba")
		if want := width * height * 4; rgba.Length() != want {
			return nil, fmt.Errorf("frame %d: expected %d rgba bytes, got %d", i, want, rgba.Length())
		}
		pixels := make([]byte, rgba.Length())
		js.CopyBytesToGo(pixels, rgba)

		ts := time.Duration(f.Get("timestampMs").Float() * float64(time.Millisecond))
		frames = append(frames, pipeline.NewFrame(uint64(i), ts, width, height, pipeline.PixelFormatRGBA, pixels, nil))
	}
	return frames, nil
}

func promise(fn func() (string, error)) js.Value {
	var handler js.Func
	handler = js.FuncOf(func(_ js.Value, args []js.Value) any {
		resolve, rejectFn := args[0], args[1]
		go func() {
			defer handler.Release()
			result, err := fn()
			if err != nil {
				rejectFn.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(result)
		}()
		return nil
	})
	return js.Global().Get("Promise").New(handler)
}

func reject(err error) js.Value {
	return js.Global().Get("Promise").Call("reject", js.Global().Get("Error").New(err.Error()))
}
