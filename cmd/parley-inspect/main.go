// parley-inspect dumps the contents of a pebble message store for
// debugging: threads, their messages, read cursors and profiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"parley/pkg/logger"
	"parley/pkg/store"
)

func main() {
	var path string
	var threadID string
	flag.StringVar(&path, "path", "", "pebble database path")
	flag.StringVar(&threadID, "thread", "", "dump only this thread")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}
	logger.Init()

	b, err := store.OpenPebble(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer b.Close()
	ctx := context.Background()

	if threadID != "" {
		dumpThread(ctx, b, threadID)
		return
	}

	profiles, err := b.ListProfiles(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list profiles: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d profiles\n", len(profiles))
	seen := map[string]bool{}
	for _, p := range profiles {
		fmt.Printf("  %s  name=%q avatar=%q\n", p.ID, p.Name, p.Avatar)
		rows, err := b.Inbox(ctx, p.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inbox %s: %v\n", p.ID, err)
			continue
		}
		for _, r := range rows {
			if !seen[r.Thread] {
				seen[r.Thread] = true
				dumpThread(ctx, b, r.Thread)
			}
		}
	}
}

func dumpThread(ctx context.Context, b *store.PebbleBackend, id string) {
	th, err := b.GetThread(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thread %s: %v\n", id, err)
		return
	}
	fmt.Printf("thread %s  %s <-> %s  created %s\n",
		th.ID, th.Low, th.High, time.Unix(0, th.CreatedTS).UTC().Format(time.RFC3339))
	msgs, err := b.ListMessages(ctx, id, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "  messages: %v\n", err)
		return
	}
	for _, m := range msgs {
		fmt.Printf("  %s  %s  %-12s %q\n",
			time.Unix(0, m.CreatedTS).UTC().Format(time.RFC3339Nano), m.ID, m.Sender, m.Body)
	}
	for _, u := range []string{th.Low, th.High} {
		n, err := b.ThreadUnread(ctx, id, u)
		if err == nil {
			fmt.Printf("  unread for %s: %d\n", u, n)
		}
	}
}
