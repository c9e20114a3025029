package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"fireframe/internal/models"
	"fireframe/internal/store"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Follow the post feed live",
	Long: `Follow the post feed live until interrupted.

The current posts are printed first, then one line per change. With
--output json each change is a JSON object on its own line.`,
	Args: cobra.NoArgs,
	RunE: runFeed,
}

func init() {
	feedCmd.Flags().Int("last", 10, "how many current posts to print first")
	rootCmd.AddCommand(feedCmd)
}

// feedChange is one difference between two feed states.
type feedChange struct {
	Kind string      `json:"kind" yaml:"kind"`
	Post models.Post `json:"post" yaml:"post"`
}

// diffFeed lists the posts added, changed and removed going from prev to
// next.
func diffFeed(prev, next []models.Post) []feedChange {
	before := make(map[string]models.Post, len(prev))
	for _, p := range prev {
		before[p.ID] = p
	}
	var out []feedChange
	for _, p := range next {
		old, ok := before[p.ID]
		switch {
		case !ok:
			out = append(out, feedChange{Kind: "added", Post: p})
		case old.Caption != p.Caption || old.ImageURL != p.ImageURL || old.Likes != p.Likes || old.Comments != p.Comments:
			out = append(out, feedChange{Kind: "updated", Post: p})
		}
		delete(before, p.ID)
	}
	for _, p := range prev {
		if _, gone := before[p.ID]; gone {
			out = append(out, feedChange{Kind: "removed", Post: p})
		}
	}
	return out
}

func writeChange(w io.Writer, format string, c feedChange) error {
	if format == "table" {
		_, err := fmt.Fprintf(w, "%s  %-7s  %s  @%s  %s\n",
			time.Now().Format(time.TimeOnly), c.Kind, c.Post.ID, c.Post.Author.Username, truncate(c.Post.Caption, 50))
		return err
	}
	return json.NewEncoder(w).Encode(c)
}

func runFeed(cmd *cobra.Command, args []string) error {
	last, _ := cmd.Flags().GetInt("last")
	out := cmd.OutOrStdout()
	return withSession(cmd, func(ctx context.Context, s *session) error {
		st := s.app.PostStore.Snapshot()
		if st.SubscriptionError {
			return fmt.Errorf("could not join the live feed: %s", st.Error)
		}
		current := st.Posts
		if last > 0 && len(current) > last {
			current = current[:last]
		}
		if err := printPosts(cmd, current); err != nil {
			return err
		}

		// Changes are coalesced: a pending wake-up is enough, the loop reads
		// the latest snapshot.
		changed := make(chan struct{}, 1)
		unsubscribe := s.app.PostStore.Subscribe(func(store.PostState) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		prev := st.Posts
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				next := s.app.PostStore.Snapshot()
				for _, c := range diffFeed(prev, next.Posts) {
					if err := writeChange(out, outputFormat, c); err != nil {
						return err
					}
				}
				prev = next.Posts
			}
		}
	})
}
