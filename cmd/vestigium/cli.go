package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/prefs"
	"github.com/iago/vestigium-sync/internal/store"
)

func newCLIApp(d *deps) *cli.App {
	app := &cli.App{
		Name:    "vestigium",
		Usage:   "Browse records and follow background tasks of a vestigium server",
		Version: Version,
		Commands: []*cli.Command{
			entriesCmd(d),
			entryCmd(d),
			tagsCmd(d),
			jobsCmd(d),
			watchCmd(d),
			scanCmd(d),
			prefsCmd(d),
			relayCmd(d),
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func entriesCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "entries",
		Usage: "List one page of records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Free text search"},
			&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Require tag (repeatable)"},
			&cli.StringSliceFlag{Name: "list", Usage: "Restrict to list id (repeatable)"},
			&cli.StringFlag{Name: "important", Usage: "true|false"},
			&cli.StringFlag{Name: "visited", Usage: "true|false"},
			&cli.StringFlag{Name: "from", Usage: "Added on or after YYYY-MM-DD"},
			&cli.StringFlag{Name: "to", Usage: "Added on or before YYYY-MM-DD"},
			&cli.StringFlag{Name: "sort", Value: string(domain.DefaultSort), Usage: "added_desc|added_asc|updated_desc|updated_asc"},
			&cli.IntFlag{Name: "page", Usage: "Zero-based page"},
			&cli.IntFlag{Name: "page-size", Value: domain.DefaultPageSize, Usage: "10|20|50|100"},
			&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
		},
		Action: func(c *cli.Context) error {
			filter, err := filterFromFlags(c)
			if err != nil {
				return err
			}
			settings, closeSettings := setupSettings(c.Context, d.cfg, d.logger)
			defer closeSettings()

			s := store.NewCollectionStore(c.Context, store.CollectionConfig{
				Fetcher:  d.client,
				Settings: settings,
				Initial:  &filter,
				Logger:   d.logger,
			})
			defer s.Close()
			s.Wait()

			state := s.State()
			if state.Error != "" {
				return fmt.Errorf("list entries: %s", state.Error)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]any{"items": state.Items, "totalCount": state.TotalCount})
			}
			for _, record := range state.Items {
				fmt.Fprintf(c.App.Writer, "%s  %s%s\n", record.ID, recordTitle(record), formatTags(record.Tags))
			}
			effective := s.EffectiveFilter()
			fmt.Fprintf(c.App.Writer, "page %d, %d of %d, %s\n", effective.Page, len(state.Items), state.TotalCount, s.Summary())
			return nil
		},
	}
}

func filterFromFlags(c *cli.Context) (domain.Filter, error) {
	important, err := parseOptionalBool(c.String("important"))
	if err != nil {
		return domain.Filter{}, fmt.Errorf("--important: %w", err)
	}
	visited, err := parseOptionalBool(c.String("visited"))
	if err != nil {
		return domain.Filter{}, fmt.Errorf("--visited: %w", err)
	}
	sort := domain.Sort(c.String("sort"))
	if !sort.Valid() {
		return domain.Filter{}, fmt.Errorf("unknown sort %q", sort)
	}
	filter := domain.NewFilter().
		WithQuery(c.String("query")).
		WithTags(domain.NormalizeTags(c.StringSlice("tag"))).
		WithListIDs(c.StringSlice("list")).
		WithImportant(important).
		WithVisited(visited).
		WithAddedRange(c.String("from"), c.String("to")).
		WithSort(sort).
		WithPageSize(c.Int("page-size")).
		WithPage(c.Int("page"))
	return filter, nil
}

func entryCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "entry",
		Usage: "Inspect or change a single record",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Show a record with its tasks",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "record id")
					if err != nil {
						return err
					}
					session := newSession(c.Context, d, id, nil)
					defer session.Close()
					if err := session.Load(c.Context); err != nil {
						return err
					}
					state := session.State()
					return outputJSON(c.App.Writer, map[string]any{
						"entry":       state.Details.Record,
						"attachments": state.Details.Attachments,
						"thumbnail":   session.ThumbnailURL(false),
						"jobs":        session.Tasks(),
					})
				},
			},
			enqueueCmd(d, "enrich", "Queue metadata enrichment", domain.TaskTypeEnrichRecord),
			enqueueCmd(d, "thumbnail", "Queue thumbnail regeneration", domain.TaskTypeRegenerateThumbnail),
			{
				Name:      "tag",
				Usage:     "Add or remove tags",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "add", Aliases: []string{"a"}, Usage: "Tag to add (repeatable)"},
					&cli.StringSliceFlag{Name: "remove", Aliases: []string{"r"}, Usage: "Tag to remove (repeatable)"},
				},
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "record id")
					if err != nil {
						return err
					}
					details, err := d.client.GetRecord(c.Context, id)
					if err != nil {
						return fmt.Errorf("load entry: %w", err)
					}
					editor := store.NewTagEditor(c.Context, store.TagEditorConfig{
						Patcher:  d.client,
						RecordID: id,
						Tags:     details.Record.Tags,
						Logger:   d.logger,
					})
					defer editor.Close()

					for _, tag := range c.StringSlice("add") {
						editor.Add(tag)
					}
					for _, tag := range c.StringSlice("remove") {
						editor.Remove(tag)
					}
					if !editor.Flush() {
						fmt.Fprintln(c.App.Writer, "tags unchanged")
						return nil
					}
					state := editor.State()
					if state.SaveError != "" {
						return fmt.Errorf("save tags: %s", state.SaveError)
					}
					fmt.Fprintf(c.App.Writer, "%s%s\n", id, formatTags(state.Tags))
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a record",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "record id")
					if err != nil {
						return err
					}
					if err := d.client.DeleteRecord(c.Context, id); err != nil {
						return fmt.Errorf("delete entry: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "deleted %s\n", id)
					return nil
				},
			},
		},
	}
}

func enqueueCmd(d *deps, name, usage string, taskType domain.TaskType) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "wait", Usage: "Wait for the task to finish and print the refreshed record"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "record id")
			if err != nil {
				return err
			}
			if !c.Bool("wait") {
				if err := d.client.EnqueueTask(c.Context, id, taskType); err != nil {
					return fmt.Errorf("enqueue %s: %w", taskType, err)
				}
				fmt.Fprintf(c.App.Writer, "queued %s for %s\n", taskType, id)
				return nil
			}
			record, err := enqueueAndWait(c.Context, d, id, taskType)
			if err != nil {
				return err
			}
			return outputJSON(c.App.Writer, record)
		},
	}
}

func tagsCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "tags",
		Usage: "Tag helpers",
		Subcommands: []*cli.Command{
			{
				Name:      "suggest",
				Usage:     "Suggest existing tags for a prefix",
				ArgsUsage: "<prefix>",
				Action: func(c *cli.Context) error {
					prefix, err := requireArg(c, "prefix")
					if err != nil {
						return err
					}
					items, err := suggestTags(c.Context, d, prefix)
					if err != nil {
						return err
					}
					for _, item := range items {
						fmt.Fprintf(c.App.Writer, "%s (%d)\n", item.Name, item.Count)
					}
					return nil
				},
			},
		},
	}
}

// suggestTags drives the debounced search for a single prefix and returns
// once its result is published.
func suggestTags(ctx context.Context, d *deps, prefix string) ([]domain.TagSuggestion, error) {
	suggestions := store.NewTagSuggestions(ctx, d.client, 0, d.logger)
	defer suggestions.Close()

	want := strings.ToLower(strings.TrimSpace(prefix))
	done := make(chan []domain.TagSuggestion, 1)
	unsubscribe := suggestions.Subscribe(func(state store.SuggestionState) {
		if state.Loading || state.Prefix != want {
			return
		}
		select {
		case done <- state.Items:
		default:
		}
	})
	defer unsubscribe()

	suggestions.Search(prefix)
	select {
	case items := <-done:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func jobsCmd(d *deps) *cli.Command {
	action := func(name string, run func(context.Context, string) error) *cli.Command {
		return &cli.Command{
			Name:      name,
			Usage:     strings.ToUpper(name[:1]) + name[1:] + " a task",
			ArgsUsage: "<id>",
			Action: func(c *cli.Context) error {
				id, err := requireArg(c, "task id")
				if err != nil {
					return err
				}
				if err := run(c.Context, id); err != nil {
					return fmt.Errorf("%s task: %w", name, err)
				}
				fmt.Fprintf(c.App.Writer, "%s %s: ok\n", name, id)
				return nil
			},
		}
	}

	return &cli.Command{
		Name:  "jobs",
		Usage: "List and manage background tasks",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "entry", Usage: "Only tasks of this record"},
					&cli.StringSliceFlag{Name: "status", Usage: "PENDING|RUNNING|SUCCEEDED|FAILED|CANCELLED (repeatable)"},
					&cli.BoolFlag{Name: "all", Usage: "Tasks in every status"},
					&cli.IntFlag{Name: "limit", Value: domain.DefaultTaskLimit},
					&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
				},
				Action: func(c *cli.Context) error {
					statuses, err := parseStatuses(c.StringSlice("status"))
					if err != nil {
						return err
					}
					registry := store.NewTaskRegistry(store.RegistryConfig{
						Lister: d.client,
						Filter: domain.TaskFilter{
							RecordID:  c.String("entry"),
							Statuses:  statuses,
							AnyStatus: c.Bool("all"),
							Limit:     c.Int("limit"),
						},
						Logger: d.logger,
					})
					if err := registry.Load(c.Context); err != nil {
						return fmt.Errorf("list jobs: %w", err)
					}
					if c.Bool("json") {
						return outputJSON(c.App.Writer, registry.Tasks())
					}
					for _, task := range registry.Tasks() {
						fmt.Fprintln(c.App.Writer, formatTask(task))
					}
					return nil
				},
			},
			action("cancel", d.client.CancelTask),
			action("retry", d.client.RetryTask),
			action("delete", d.client.DeleteTask),
		},
	}
}

func watchCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow task updates until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "entry", Usage: "Follow one record and refresh it when its tasks finish"},
			&cli.BoolFlag{Name: "strict", Usage: "Drop stale updates that would reopen finished tasks"},
		},
		Action: func(c *cli.Context) error {
			if id := c.String("entry"); id != "" {
				return watchRecord(c.Context, d, id)
			}
			return watchAll(c.Context, d, c.Bool("strict"))
		},
	}
}

func scanCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Load many records and group them by site or community",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "by", Value: "site", Usage: "site|community"},
			&cli.IntFlag{Name: "top", Usage: "Number of groups before Other (default: groupColumns preference)"},
			&cli.StringFlag{Name: "order", Value: string(store.SortByDate), Usage: "date|name|category"},
			&cli.BoolFlag{Name: "asc", Usage: "Ascending order inside each group"},
			&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
		},
		Action: func(c *cli.Context) error {
			key, label, err := groupingFor(c.String("by"))
			if err != nil {
				return err
			}
			order := store.BucketSort{Field: store.SortField(c.String("order")), Descending: !c.Bool("asc")}
			switch order.Field {
			case store.SortByDate, store.SortByName, store.SortByCategory:
			default:
				return fmt.Errorf("unknown order %q", order.Field)
			}

			settings, closeSettings := setupSettings(c.Context, d.cfg, d.logger)
			defer closeSettings()
			top := c.Int("top")
			if top <= 0 {
				top = settings.GroupColumns()
			}

			result, err := scan(c.Context, d, settings.IncludeAdult(), key, label, top, order)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, result)
			}
			printScan(c.App.Writer, result)
			return nil
		},
	}
}

func prefsCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "prefs",
		Usage: "Read or change local preferences",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Print every preference",
				Action: func(c *cli.Context) error {
					settings, closeSettings := setupSettings(c.Context, d.cfg, d.logger)
					defer closeSettings()
					values := settings.Values()
					return outputJSON(c.App.Writer, map[string]any{
						"showNsfw":     values.IncludeAdult,
						"groupColumns": values.GroupColumns,
					})
				},
			},
			{
				Name:      "set",
				Usage:     "Change preferences",
				ArgsUsage: "showNsfw=<bool> groupColumns=<int> ...",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("at least one key=value pair is required")
					}
					settings, closeSettings := setupSettings(c.Context, d.cfg, d.logger)
					defer closeSettings()
					for _, arg := range c.Args().Slice() {
						if err := applyPref(c.Context, settings, arg); err != nil {
							return err
						}
					}
					values := settings.Values()
					fmt.Fprintf(c.App.Writer, "showNsfw=%t groupColumns=%d\n", values.IncludeAdult, values.GroupColumns)
					return nil
				},
			},
		},
	}
}

func relayCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Poll the task list and publish every change to the push backend",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: d.cfg.TaskPollInterval, Usage: "Polling interval"},
			&cli.BoolFlag{Name: "all", Usage: "Include finished tasks"},
		},
		Action: func(c *cli.Context) error {
			return relay(c.Context, d, c.Duration("interval"), c.Bool("all"))
		},
	}
}

func applyPref(ctx context.Context, settings *prefs.Settings, assignment string) error {
	key, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", assignment)
	}
	switch strings.TrimSpace(key) {
	case "showNsfw", "nsfw":
		include, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("showNsfw: %w", err)
		}
		return settings.SetIncludeAdult(ctx, include)
	case "groupColumns", "columns":
		columns, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("groupColumns: %w", err)
		}
		return settings.SetGroupColumns(ctx, columns)
	}
	return fmt.Errorf("unknown preference %q", key)
}

func parseOptionalBool(raw string) (*bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func parseStatuses(raw []string) ([]domain.TaskStatus, error) {
	out := make([]domain.TaskStatus, 0, len(raw))
	for _, item := range raw {
		status := domain.TaskStatus(strings.ToUpper(strings.TrimSpace(item)))
		switch status {
		case domain.TaskStatusPending, domain.TaskStatusRunning, domain.TaskStatusSucceeded,
			domain.TaskStatusFailed, domain.TaskStatusCancelled:
			out = append(out, status)
		default:
			return nil, fmt.Errorf("unknown status %q", item)
		}
	}
	return out, nil
}

func requireArg(c *cli.Context, what string) (string, error) {
	value := strings.TrimSpace(c.Args().First())
	if value == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return value, nil
}

func outputJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func recordTitle(record domain.Record) string {
	if title := strings.TrimSpace(record.Title); title != "" {
		return title
	}
	return record.URL
}

func formatTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "  [" + strings.Join(tags, ", ") + "]"
}

func formatTask(task domain.Task) string {
	line := fmt.Sprintf("%s  %-20s %-9s attempts=%d entry=%s", task.ID, task.Type, task.Status, task.Attempts, task.RecordID)
	if task.LastError != nil && *task.LastError != "" {
		line += " error=" + strconv.Quote(*task.LastError)
	}
	return line
}
