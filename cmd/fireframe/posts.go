package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fireframe/internal/models"
)

var postsCmd = &cobra.Command{
	Use:   "posts",
	Short: "List and manage posts",
}

var postsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runPostsList,
}

var postsCreateCmd = &cobra.Command{
	Use:   "create <image>",
	Short: "Publish a post as the signed-in user",
	Long: `Publish a post as the signed-in user.

The image is a local file, which is uploaded first, or an http(s) URL.

Examples:
  fireframe posts create ./sunset.jpg --caption "golden hour"
  fireframe posts create https://picsum.photos/seed/42/800/800`,
	Args: cobra.ExactArgs(1),
	RunE: runPostsCreate,
}

var postsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the caption of one of your posts",
	Args:  cobra.ExactArgs(1),
	RunE:  runPostsUpdate,
}

var postsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one of your posts",
	Args:  cobra.ExactArgs(1),
	RunE:  runPostsDelete,
}

func init() {
	postsListCmd.Flags().String("user", "", "only posts by this username")
	postsListCmd.Flags().Int("limit", 0, "show at most this many posts")

	postsCreateCmd.Flags().String("caption", "", "post caption")

	postsUpdateCmd.Flags().String("caption", "", "new caption")
	_ = postsUpdateCmd.MarkFlagRequired("caption")

	postsCmd.AddCommand(postsListCmd)
	postsCmd.AddCommand(postsCreateCmd)
	postsCmd.AddCommand(postsUpdateCmd)
	postsCmd.AddCommand(postsDeleteCmd)

	rootCmd.AddCommand(postsCmd)
}

func runPostsList(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")
	return withSession(cmd, func(ctx context.Context, s *session) error {
		var list []models.Post
		if user != "" {
			var err error
			if list, err = s.app.Posts.GetPostsByUser(ctx, user); err != nil {
				return err
			}
		} else {
			st := s.app.PostStore.Snapshot()
			if st.Error != "" {
				return fmt.Errorf("%s", st.Error)
			}
			list = st.Posts
		}
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		return printPosts(cmd, list)
	})
}

func printPosts(cmd *cobra.Command, list []models.Post) error {
	return newPrinter(cmd).print(list, func(w *tabwriter.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No posts found")
			return
		}
		tableHeader(w, "ID", "AUTHOR", "CAPTION", "LIKES", "CREATED")
		for _, p := range list {
			created := "-"
			if p.CreatedAt != nil {
				created = p.CreatedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Author.Username, truncate(p.Caption, 40), p.Likes, created)
		}
	})
}

func runPostsCreate(cmd *cobra.Command, args []string) error {
	caption, _ := cmd.Flags().GetString("caption")
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.requireSignedIn(); err != nil {
			return err
		}
		user := s.app.AuthStore.Snapshot().User

		imageURL := args[0]
		if !strings.HasPrefix(imageURL, "http://") && !strings.HasPrefix(imageURL, "https://") {
			f, err := os.Open(imageURL)
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer func() { _ = f.Close() }()
			if imageURL, err = s.app.Posts.UploadImage(ctx, f, filepath.Base(f.Name()), user.Username); err != nil {
				return err
			}
		}

		id, err := s.app.PostStore.AddPost(ctx, models.NewPost{
			Author:   models.PostAuthor{ID: user.ID, Username: user.Username, AvatarURL: user.AvatarURL},
			ImageURL: imageURL,
			Caption:  caption,
		})
		if err != nil {
			return err
		}
		return newPrinter(cmd).print(map[string]string{"id": id, "imageUrl": imageURL}, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "Created post %s\n", id)
		})
	})
}

// ownPost loads id and checks the signed-in user wrote it.
func ownPost(ctx context.Context, s *session, id string) (models.Post, error) {
	if err := s.requireSignedIn(); err != nil {
		return models.Post{}, err
	}
	p, ok := s.app.PostStore.Find(id)
	if !ok {
		var err error
		if p, err = s.app.Posts.GetPost(ctx, id); err != nil {
			return models.Post{}, err
		}
	}
	if me := s.app.AuthStore.Snapshot().User; !p.OwnedBy(me.ID) {
		return models.Post{}, models.NewForbiddenError("You can only change your own posts")
	}
	return p, nil
}

func runPostsUpdate(cmd *cobra.Command, args []string) error {
	caption, _ := cmd.Flags().GetString("caption")
	return withSession(cmd, func(ctx context.Context, s *session) error {
		p, err := ownPost(ctx, s, args[0])
		if err != nil {
			return err
		}
		p.Caption = caption
		if err := s.app.PostStore.UpdatePost(ctx, p); err != nil {
			return err
		}
		newPrinter(cmd).message("Updated post %s", p.ID)
		return nil
	})
}

func runPostsDelete(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		p, err := ownPost(ctx, s, args[0])
		if err != nil {
			return err
		}
		if err := s.app.PostStore.DeletePost(ctx, p.ID); err != nil {
			return err
		}
		newPrinter(cmd).message("Deleted post %s", p.ID)
		return nil
	})
}
