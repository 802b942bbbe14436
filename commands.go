package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/middleware"
	"github.com/deemkeen/agora/util"
	"github.com/deemkeen/agora/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// RootOptions holds global flags and the loaded configuration.
type RootOptions struct {
	Verbose bool
	conf    *util.AppConfig
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   util.Name,
		Short: "Federated link aggregator node",
		Long:  "A federated link aggregator node speaking ActivityPub with HTTP signatures.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Verbose {
				log.SetLevel(log.DebugLevel)
			}
			conf, err := util.ReadConf()
			if err != nil {
				return err
			}
			opts.conf = conf
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewActorCommand(opts))
	cmd.AddCommand(NewPostCommand(opts))
	cmd.AddCommand(NewCommentCommand(opts))
	cmd.AddCommand(NewMessageCommand(opts))
	cmd.AddCommand(NewFollowCommand(opts))
	cmd.AddCommand(NewVoteCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewThreadCommand(opts))
	cmd.AddCommand(NewFollowingCommand(opts))
	cmd.AddCommand(NewActivitiesCommand(opts))
	cmd.AddCommand(NewDeliveriesCommand(opts))

	return cmd
}

// withNode opens the node for the duration of f.
func withNode(cmd *cobra.Command, opts *RootOptions, f func(ctx context.Context, n *node) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := openNode(ctx, opts.conf)
	if err != nil {
		return err
	}
	defer n.Close()
	return f(ctx, n)
}

func printReceipt(w io.Writer, r *activitypub.Receipt) {
	fmt.Fprintf(w, "Activity: %s\n", r.ActivityID)
	fmt.Fprintf(w, "Queued for %d inbox(es)\n", len(r.Inboxes))
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "  skipped %s: %v\n", s.Recipient, s.Err)
	}
}

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web endpoints, the delivery engine and the SSH console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, serve)
		},
	}
}

func serve(ctx context.Context, n *node) error {
	conf := n.conf
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.engine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		n.runMaintenance(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if _, err := n.ReloadBlocklist(ctx); err != nil {
					log.Error("Node: deny-list reload failed", "err", err)
				}
			}
		}
	})

	router := web.NewRouter(web.Options{
		Store:         n.db,
		Inbox:         n.pipeline,
		IRIs:          n.iris,
		MaxInboxBytes: conf.Federation.MaxInboxBytes,
	})
	g.Go(func() error {
		return web.Serve(ctx, fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort), router)
	})

	if conf.Conf.WithSsh {
		s, err := newConsoleServer(n)
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info("Console: listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info("Console: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newConsoleServer(n *node) (*ssh.Server, error) {
	conf := n.conf
	keys, err := util.ParseAuthorizedKeys(conf.Conf.AdminKeys)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("config: conf.adminKeys is required when withSsh is set")
	}

	return wish.NewServer(
		wish.WithAddress(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.SshPort)),
		wish.WithHostKeyPath(util.ResolveFilePathWithSubdir(".ssh", "agorahostkey")),
		wish.WithPublicKeyAuth(middleware.AdminKeyHandler(keys)),
		wish.WithMiddleware(
			middleware.MainTui(n, n.iris.Domain()),
			middleware.AuthMiddleware(keys),
			logging.Middleware(), // last middleware executed first
		),
	)
}

func NewActorCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}

	var community bool
	var displayName string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a local person or community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == instanceActorName {
				return fmt.Errorf("username %q is reserved", args[0])
			}
			actorType := domain.ActorPerson
			if community {
				actorType = domain.ActorGroup
			}
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				a, err := n.outbox.CreateLocalActor(ctx, args[0], actorType, displayName)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), a.ActorURI)
				return nil
			})
		},
	}
	create.Flags().BoolVar(&community, "community", false, "create a community (Group) instead of a person")
	create.Flags().StringVar(&displayName, "name", "", "display name")

	cmd.AddCommand(create)
	return cmd
}

func NewPostCommand(opts *RootOptions) *cobra.Command {
	var body, link, community, edit string

	cmd := &cobra.Command{
		Use:   "post <username> <title>",
		Short: "Publish or edit a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				author, err := n.localActor(ctx, args[0])
				if err != nil {
					return err
				}

				var p *domain.Post
				var r *activitypub.Receipt
				if edit != "" {
					p, r, err = n.outbox.EditPost(ctx, author, edit, args[1], body)
				} else {
					p, r, err = n.outbox.PublishPost(ctx, author, args[1], body, link, community)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Post: %s\n", p.ObjectURI)
				printReceipt(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&body, "body", "", "post body")
	cmd.Flags().StringVar(&link, "link", "", "link the post points to")
	cmd.Flags().StringVar(&community, "community", "", "IRI of the community to post in")
	cmd.Flags().StringVar(&edit, "edit", "", "IRI of an existing post to update")
	return cmd
}

func NewCommentCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <username> <parent-iri> <content>",
		Short: "Reply to a post or comment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				author, err := n.localActor(ctx, args[0])
				if err != nil {
					return err
				}
				c, r, err := n.outbox.PublishComment(ctx, author, args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Comment: %s\n", c.ObjectURI)
				printReceipt(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}
}

func NewMessageCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "dm <username> <recipient-iri> <content>",
		Aliases: []string{"message"},
		Short:   "Send a private message",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				author, err := n.localActor(ctx, args[0])
				if err != nil {
					return err
				}
				m, r, err := n.outbox.SendPrivateMessage(ctx, author, args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Message: %s\n", m.ObjectURI)
				printReceipt(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}
}

func NewFollowCommand(opts *RootOptions) *cobra.Command {
	var undo bool

	cmd := &cobra.Command{
		Use:   "follow <username> <target-iri>",
		Short: "Follow or unfollow a remote actor or community",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				follower, err := n.localActor(ctx, args[0])
				if err != nil {
					return err
				}
				var r *activitypub.Receipt
				if undo {
					r, err = n.outbox.Unfollow(ctx, follower, args[1])
				} else {
					r, err = n.outbox.Follow(ctx, follower, args[1])
				}
				if err != nil {
					return err
				}
				printReceipt(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&undo, "undo", false, "unfollow instead")
	return cmd
}

func NewVoteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vote <username> <object-iri> <1|-1|0>",
		Short: "Like, dislike or clear a vote on a post or comment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.Atoi(args[2])
			if err != nil || score < -1 || score > 1 {
				return fmt.Errorf("score must be 1, -1 or 0")
			}
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				voter, err := n.localActor(ctx, args[0])
				if err != nil {
					return err
				}
				r, err := n.outbox.Vote(ctx, voter, args[1], score)
				if err != nil {
					return err
				}
				printReceipt(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}
}

func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username> <object-iri>",
		Short: "Delete a post, comment or message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				author, err := n.localActor(ctx, args[0])
				if err != nil {
					return err
				}
				r, err := n.outbox.DeleteObject(ctx, author, args[1])
				if err != nil {
					return err
				}
				printReceipt(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}
}

func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var kinds []string
	var refetch bool

	cmd := &cobra.Command{
		Use:   "resolve <iri>",
		Short: "Resolve an identifier locally or over the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var want []domain.Kind
			for _, k := range kinds {
				kind, err := domain.ParseKind(k)
				if err != nil {
					return err
				}
				want = append(want, kind)
			}
			if len(want) == 0 {
				want = []domain.Kind{domain.KindActor, domain.KindPost, domain.KindComment, domain.KindPrivateMessage}
			}

			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				scope := activitypub.NewScope(opts.conf.Federation.MaxFetchDepth)
				var res *activitypub.Resolved
				var err error
				if refetch {
					res, err = n.resolver.Refetch(ctx, scope, args[0], want...)
				} else {
					res, err = n.resolver.ResolveAny(ctx, scope, args[0], want...)
				}
				if err != nil {
					return err
				}

				var doc interface{}
				if a, ok := res.Entity.(*domain.Actor); ok {
					doc = activitypub.ActorToObject(a, n.iris)
				} else {
					doc = activitypub.ContentToObject(res.Entity)
				}
				out, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return err
				}
				log.Debug("Resolver: resolved", "id", args[0], "source", res.Source, "fetches", scope.Fetches())
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "expected kind (actor, post, comment, private_message)")
	cmd.Flags().BoolVar(&refetch, "refetch", false, "bypass the local store")
	return cmd
}

func NewThreadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "thread <post-iri>",
		Short: "Show a post and the comments stored for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				scope := activitypub.NewScope(opts.conf.Federation.MaxFetchDepth)
				res, err := n.resolver.Resolve(ctx, scope, activitypub.Ref{ID: args[0], Kind: domain.KindPost})
				if err != nil {
					return err
				}
				comments, err := n.db.CommentsOnPost(ctx, args[0])
				if err != nil {
					return err
				}
				writeThread(cmd.OutOrStdout(), res.Entity.(*domain.Post), comments)
				return nil
			})
		},
	}
}

// writeThread prints comments under their parents, indented by depth.
func writeThread(w io.Writer, p *domain.Post, comments []*domain.Comment) {
	fmt.Fprintf(w, "%s\n  by %s\n", p.Title, p.AuthorURI)

	children := make(map[string][]*domain.Comment)
	for _, c := range comments {
		parent := c.ParentURI
		if parent == "" {
			parent = p.ObjectURI
		}
		children[parent] = append(children[parent], c)
	}

	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, c := range children[parent] {
			indent := strings.Repeat("  ", depth)
			fmt.Fprintf(w, "%s- %s: %s\n", indent, c.AuthorURI, c.Content)
			walk(c.ObjectURI, depth+1)
		}
	}
	walk(p.ObjectURI, 1)
}

func NewFollowingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "following <username>",
		Short: "List the actors a local actor follows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				a, err := n.localActor(ctx, args[0])
				if err != nil {
					return err
				}
				follows, err := n.db.FollowingOf(ctx, a.ActorURI)
				if err != nil {
					return err
				}
				t := table.New().Border(lipgloss.HiddenBorder()).Headers("TARGET", "STATE", "SINCE")
				for _, f := range follows {
					state := "pending"
					if f.Accepted {
						state = "accepted"
					}
					t.Row(f.TargetURI, state, f.CreatedAt.Format(util.DateTimeFormat()))
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	}
}

func NewActivitiesCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activities",
		Short: "List the most recently logged activities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				activities, err := n.db.RecentActivities(ctx, limit)
				if err != nil {
					return err
				}
				t := table.New().Border(lipgloss.HiddenBorder()).Headers("TIME", "TYPE", "ACTOR", "OBJECT", "ORIGIN")
				for _, a := range activities {
					origin := "remote"
					if a.Local {
						origin = "local"
					}
					t.Row(a.CreatedAt.Format(util.DateTimeFormat()), a.ActivityType, a.ActorURI, a.ObjectURI, origin)
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of activities")
	return cmd
}

func NewDeliveriesCommand(opts *RootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List delivery jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.DeliveryStatus(status)
			switch st {
			case domain.DeliveryPending, domain.DeliveryDelivered, domain.DeliveryFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				jobs, err := n.ListDeliveries(ctx, st, limit)
				if err != nil {
					return err
				}
				writeJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.DeliveryPending), "pending, delivered or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")

	requeue := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Retry a failed delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, n *node) error {
				if err := n.Requeue(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Requeued", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(requeue)
	return cmd
}

func writeJobs(w io.Writer, jobs []*domain.DeliveryJob) {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("ID", "INBOX", "ATTEMPTS", "NEXT", "LAST ERROR")
	for _, j := range jobs {
		next := "-"
		if !j.Terminal() {
			next = j.NextRetryAt.Format(util.DateTimeFormat())
		}
		t.Row(j.Id.String(), j.InboxURI, strconv.Itoa(j.Attempts), next, j.LastError)
	}
	fmt.Fprintln(w, t.Render())
}
