package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andreyvit/revdb"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print document and view statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.db.Stats()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), s.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func (a *app) dumpCmd() *cobra.Command {
	var rows bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump documents and views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := revdb.DumpTypes | revdb.DumpStats | revdb.DumpViews
			if rows {
				f = revdb.DumpAll
			}
			s, err := a.db.Dump(f)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), s)
			return err
		},
	}
	cmd.Flags().BoolVar(&rows, "rows", false, "include documents and view rows")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get TYPE ID...",
		Short: "Print committed documents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, notFound, err := a.db.Get(args[0], args[1:]...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"found": found, "not_found": notFound})
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put TYPE ID JSON",
		Short: "Create a document or merge properties into it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var set map[string]any
			dec := json.NewDecoder(strings.NewReader(args[2]))
			dec.UseNumber()
			if err := dec.Decode(&set); err != nil {
				return fmt.Errorf("properties: %w", err)
			}
			change := revdb.DocumentChange{ID: args[1], Set: set}
			b := a.db.Begin()
			found, _, err := b.Get(args[0], args[1])
			if err != nil {
				b.Cancel()
				return err
			}
			var staged []revdb.DocumentResult
			if len(found) > 0 {
				staged, err = b.Update(args[0], change)
			} else {
				staged, err = b.Create(args[0], change)
			}
			if err == nil {
				err = revdb.FirstError(staged)
			}
			if err != nil {
				b.Cancel()
				return err
			}
			results, err := b.Commit()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove TYPE ID...",
		Short: "Soft-delete documents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := a.db.Remove(args[0], args[1:]...)
			if err != nil {
				return err
			}
			if err := revdb.FirstError(results); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}

func (a *app) sinceCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "since TYPE REVISION",
		Short: "Print documents changed after a revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("revision: %w", err)
			}
			docs, err := a.db.FetchSince(args[0], rev, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of documents")
	return cmd
}

func (a *app) catchUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catchup [KIND NAME]",
		Short: "Bring views up to date with their document types",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts either no arguments or KIND NAME")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return a.db.CatchUpAll(cmd.Context())
			}
			kind, err := revdb.ParseViewKind(args[0])
			if err != nil {
				return err
			}
			for {
				more, err := a.db.CatchUp(kind, args[1])
				if err != nil || !more {
					return err
				}
			}
		},
	}
}

func (a *app) pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-cache",
		Short: "Trim the backing cache to its limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d\n", a.db.PruneCache())
			return nil
		},
	}
}

func (a *app) queryCmd() *cobra.Command {
	var offset, limit int
	var from, to string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query a view",
	}
	collection := &cobra.Command{
		Use:  "collection NAME",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.db.QueryCollection(args[0], revdb.Page{Offset: offset, Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	collection.Flags().IntVar(&offset, "offset", 0, "number of documents to skip")
	collection.Flags().IntVar(&limit, "limit", 0, "page size")

	index := &cobra.Command{
		Use:  "index NAME KEY...",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.db.QueryIndex(args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cache := &cobra.Command{
		Use:  "cache NAME ID...",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.db.QueryCache(args[0], args[1:], nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	association := &cobra.Command{
		Use:  "association NAME",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.db.QueryAssociation(args[0], revdb.AssociationQuery{From: from, To: to, Offset: offset, Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	association.Flags().StringVar(&from, "from", "", "anchor document on the from side")
	association.Flags().StringVar(&to, "to", "", "anchor document on the to side")
	association.Flags().IntVar(&offset, "offset", 0, "number of documents to skip")
	association.Flags().IntVar(&limit, "limit", 0, "page size")

	cmd.AddCommand(collection, index, cache, association)
	return cmd
}
