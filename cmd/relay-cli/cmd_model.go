package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	relay "github.com/ferro-labs/openai-relay"
	"github.com/ferro-labs/openai-relay/modelstore"
)

func newModelCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage model metadata in the configured model store",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Relay configuration file")

	open := func() (modelstore.Store, error) {
		cfg, err := relay.LoadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return modelstore.Open(cfg.ModelStore.Driver, cfg.ModelStore.DSN)
	}

	cmd.AddCommand(newModelGetCmd(open))
	cmd.AddCommand(newModelListCmd(open))
	cmd.AddCommand(newModelSetCmd(open))
	cmd.AddCommand(newModelDeleteCmd(open))
	return cmd
}

type storeOpener func() (modelstore.Store, error)

func newModelGetCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "get <model-id>",
		Short: "Print a model record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			m, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}
}

func newModelListCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored model ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			models, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				base := m.BaseModelID
				if base == "" {
					base = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tbase=%s\towner=%s\n", m.ID, base, m.UserID)
			}
			return nil
		},
	}
}

type setFlags struct {
	name        string
	base        string
	owner       string
	public      bool
	readUsers   []string
	readGroups  []string
	writeUsers  []string
	writeGroups []string
	params      []string
}

func newModelSetCmd(open storeOpener) *cobra.Command {
	var f setFlags
	cmd := &cobra.Command{
		Use:   "set <model-id>",
		Short: "Create or update a model record",
		Long: `Create or update a model record. Fields not given as flags keep their
stored values. Parameters are key=value pairs; values are parsed as YAML
scalars, so "temperature=0.2" stores a number.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			m, err := store.Get(ctx, args[0])
			switch {
			case errors.Is(err, modelstore.ErrNotFound):
				m = &modelstore.Model{ID: args[0], CreatedAt: time.Now().UTC()}
			case err != nil:
				return err
			}
			if err := f.apply(cmd, m); err != nil {
				return err
			}
			m.UpdatedAt = time.Now().UTC()
			if err := m.Validate(); err != nil {
				return err
			}
			if err := store.Put(ctx, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved %s\n", m.ID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "Display name")
	fl.StringVar(&f.base, "base", "", "Base model id requests are rewritten to")
	fl.StringVar(&f.owner, "owner", "", "Owning user id")
	fl.BoolVar(&f.public, "public", false, "Clear access control so every user may read the model")
	fl.StringSliceVar(&f.readUsers, "read-user", nil, "User ids granted read access")
	fl.StringSliceVar(&f.readGroups, "read-group", nil, "Group ids granted read access")
	fl.StringSliceVar(&f.writeUsers, "write-user", nil, "User ids granted write access")
	fl.StringSliceVar(&f.writeGroups, "write-group", nil, "Group ids granted write access")
	fl.StringArrayVarP(&f.params, "param", "p", nil, "Parameter override as key=value (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("public", "read-user")
	cmd.MarkFlagsMutuallyExclusive("public", "read-group")
	return cmd
}

func (f *setFlags) apply(cmd *cobra.Command, m *modelstore.Model) error {
	changed := cmd.Flags().Changed
	if changed("name") {
		m.Name = f.name
	}
	if changed("base") {
		m.BaseModelID = f.base
	}
	if changed("owner") {
		m.UserID = f.owner
	}

	if f.public {
		m.AccessControl = nil
	} else if changed("read-user") || changed("read-group") || changed("write-user") || changed("write-group") {
		if m.AccessControl == nil {
			m.AccessControl = &modelstore.AccessControl{}
		}
		if changed("read-user") {
			m.AccessControl.Read.UserIDs = f.readUsers
		}
		if changed("read-group") {
			m.AccessControl.Read.GroupIDs = f.readGroups
		}
		if changed("write-user") {
			m.AccessControl.Write.UserIDs = f.writeUsers
		}
		if changed("write-group") {
			m.AccessControl.Write.GroupIDs = f.writeGroups
		}
	}

	for _, kv := range f.params {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid --param %q: want key=value", kv)
		}
		if m.Params == nil {
			m.Params = modelstore.Params{}
		}
		if raw == "" {
			delete(m.Params, key)
			continue
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		m.Params[key] = v
	}
	return nil
}

func newModelDeleteCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a model record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s\n", args[0])
			return nil
		},
	}
}
