package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/collections"
	"github.com/wippyai/capmem/factory"
)

// runDemo drives every registered owner through a typical lifecycle and
// returns the handles it keeps so the report shows live usage.
func runDemo(f *factory.Factory, out io.Writer) ([]*factory.Handle, error) {
	var (
		entries []capability.Entry
		held    []*factory.Handle
	)
	f.Registry().Each(func(e capability.Entry) bool {
		entries = append(entries, e)
		return true
	})

	for _, e := range entries {
		c := e.Capability
		var size uint64
		switch c.Kind {
		case capability.Static:
			size = c.MaxSize
		default:
			size = c.MaxSize / 4
		}
		if size == 0 {
			continue
		}

		h, err := f.Acquire(e.Owner, size)
		if err != nil {
			fmt.Fprintf(out, "%-14s denied %s: %v\n", e.Owner, humanize.IBytes(size), err)
			continue
		}
		held = append(held, h)
		fmt.Fprintf(out, "%-14s acquired %s (%s)\n", e.Owner, humanize.IBytes(size), c.Kind)

		// Over-asking is refused without touching any counter.
		if _, err := f.Acquire(e.Owner, c.MaxSize+1); err != nil {
			fmt.Fprintf(out, "%-14s denied %s: %v\n", e.Owner, humanize.IBytes(c.MaxSize+1), err)
		}
	}

	if err := demoCollections(f, out); err != nil {
		releaseAll(held)
		return nil, err
	}
	return held, nil
}

// demoCollections fills a short-lived vector and log line for the logging
// owner when the plan has one.
func demoCollections(f *factory.Factory, out io.Writer) error {
	if f.BudgetRemaining(capability.Logging) < 1024 {
		return nil
	}
	v, err := collections.NewVecFrom(f, capability.Logging, collections.Uint32, 64)
	if err != nil {
		return err
	}
	defer v.Release()
	for i := range uint32(64) {
		if err := v.Push(i * i); err != nil {
			return err
		}
	}
	var sum uint64
	for _, x := range v.All() {
		sum += uint64(x)
	}

	s, err := collections.NewStringFrom(f, capability.Logging, 128)
	if err != nil {
		return err
	}
	defer s.Release()
	if err := s.Append(fmt.Sprintf("vector of %d squares sums to %s", v.Len(), humanize.Comma(int64(sum)))); err != nil {
		return err
	}
	fmt.Fprintf(out, "%-14s %s\n", capability.Logging, s.String())
	return nil
}

func releaseAll(handles []*factory.Handle) {
	for _, h := range handles {
		_ = h.Release()
	}
}
