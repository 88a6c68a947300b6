package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repairline/internal/app"
	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/engine/auth"
	"repairline/internal/repo"
)

func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func printRequests(items []domain.ProjectedRequest) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Property", "Urgency", "Status", "Initiator", "Landlord", "Updated"})
	for _, rr := range items {
		status := string(rr.DisplayStatus())
		if rr.Provisional != nil {
			status += " (pending ledger)"
		}
		tw.AppendRow(table.Row{rr.ID, rr.PropertyID, rr.Urgency, status, rr.Initiator, rr.Landlord, rr.UpdatedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printWorkOrders(items []domain.ProjectedWorkOrder) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Request", "Contractor", "Price", "Status", "Description"})
	for _, wo := range items {
		tw.AppendRow(table.Row{wo.ID, wo.RepairRequestID, wo.Contractor, wo.AgreedPrice, wo.Status, shortHash(wo.DescriptionHash)})
	}
	tw.Render()
	return nil
}

func printHistory(evts []domain.LedgerEvent) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := newTable(table.Row{"Seq", "Time", "Entity", "Type", "Actor", "Change"})
	for _, ev := range evts {
		change := ""
		switch ev.Type {
		case domain.LedgerEventStatusChanged:
			change = ev.OldStatus + " -> " + ev.NewStatus
		case domain.LedgerEventContentUpdated:
			change = fmt.Sprintf("%s %s -> %s", ev.Field, shortHash(ev.OldHash), shortHash(ev.NewHash))
		case domain.LedgerEventCreated:
			change = ev.NewStatus
		}
		tw.AppendRow(table.Row{ev.Seq, ev.Timestamp.Format(time.RFC3339Nano), ev.Ref.String(), ev.Type, ev.Actor, change})
	}
	tw.Render()
	return nil
}

func printReceipt(receipt domain.AuditReceipt) {
	if viper.GetBool("json") {
		_ = printJSON(receipt)
		return
	}
	fmt.Printf("%s %s: %s -> %s (ledger seq %d)\n", receipt.Ref, receipt.Field, shortHash(receipt.OldHash), receipt.NewHash, receipt.Seq)
}

func propertyCmd() *cobra.Command {
	prop := &cobra.Command{Use: "property", Short: "Configured properties"}
	prop.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List properties from repairline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				props := a.Config.Properties()
				if viper.GetBool("json") {
					return printJSON(props)
				}
				tw := newTable(table.Row{"ID", "Landlord", "Address"})
				for _, p := range props {
					tw.AppendRow(table.Row{p.ID, p.Landlord, p.Address})
				}
				tw.Render()
				return nil
			})
		},
	})
	return prop
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Aliases: []string{"req"}, Short: "Manage repair requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestStatusCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestWithdrawCmd())
	req.AddCommand(requestContentCmd("work-details", domain.FieldWorkDetails))
	req.AddCommand(requestContentCmd("describe", domain.FieldDescription))
	req.AddCommand(historyCmd(domain.KindRepairRequest))
	return req
}

func requestCreateCmd() *cobra.Command {
	var property, urgency, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a repair request as the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rr, err := a.Engine.CreateRepairRequest(ctx, engine.CreateRequestOptions{
					Actor:       identity,
					PropertyID:  property,
					Urgency:     domain.Urgency(strings.ToUpper(urgency)),
					Description: description,
				})
				if err != nil {
					return err
				}
				return printJSONOrPretty(rr)
			})
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "property id")
	cmd.Flags().StringVar(&urgency, "urgency", "MEDIUM", "LOW, MEDIUM or HIGH")
	cmd.Flags().StringVar(&description, "description", "", "what needs repairing")
	_ = cmd.MarkFlagRequired("property")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Search repair requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				identity, err := requireIdentity()
				if err != nil {
					return err
				}
				f.Party = identity
			}
			f.Status = strings.ToUpper(f.Status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Initiator, "initiator", "", "initiator filter")
	cmd.Flags().StringVar(&f.Landlord, "landlord", "", "landlord filter")
	cmd.Flags().StringVar(&f.PropertyID, "property", "", "property filter")
	cmd.Flags().BoolVar(&mine, "mine", false, "only requests the identity is a party to")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one repair request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rr, err := a.Engine.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrPretty(rr)
			})
		},
	}
}

func requestStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <STATUS>",
		Short: "Move a request as the property owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			next := domain.RequestStatus(strings.ToUpper(args[1]))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rr, err := a.Engine.UpdateStatus(ctx, id, identity, next)
				if err != nil {
					return err
				}
				return printJSONOrPretty(rr)
			})
		},
	}
}

func requestApproveCmd() *cobra.Command {
	var refuse bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Accept (or --refuse) completed work as the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rr, err := a.Engine.ApproveWork(ctx, id, identity, !refuse)
				if err != nil {
					return err
				}
				return printJSONOrPretty(rr)
			})
		},
	}
	cmd.Flags().BoolVar(&refuse, "refuse", false, "refuse the work instead of accepting it")
	return cmd
}

func requestWithdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a pending request as the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Withdraw(ctx, id, identity); err != nil {
					return err
				}
				// the CLI exits right away, so wait for the ledger instead of leaving the overlay behind
				a.Engine.Wait()
				rr, err := a.Engine.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				if rr.Provisional != nil || rr.Status != domain.StatusCancelled {
					return fmt.Errorf("withdraw of request %d was not confirmed by the ledger (see rl events tail)", id)
				}
				return printJSONOrPretty(rr)
			})
		},
	}
}

func requestContentCmd(use string, field domain.ContentField) *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   use + " <id> <text>",
		Short: fmt.Sprintf("Replace the request %s", strings.ReplaceAll(string(field), "_", " ")),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.ContentOptions{Actor: identity, Text: args[1]}
			if cmd.Flags().Changed("base") {
				opts.Base = &base
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				update := a.Engine.UpdateDescription
				if field == domain.FieldWorkDetails {
					update = a.Engine.UpdateWorkDetails
				}
				_, receipt, err := update(ctx, id, opts)
				if err != nil {
					return err
				}
				printReceipt(receipt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "hash you last read; rejects the update if the field moved since")
	return cmd
}

func historyCmd(kind domain.EntityKind) *cobra.Command {
	var field string
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the ledger history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ref := domain.EntityRef{Kind: kind, ID: id}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if field == "" {
					evts, err := a.Engine.History(ctx, ref)
					if err != nil {
						return err
					}
					return printHistory(evts)
				}
				receipts, err := a.Engine.ContentHistory(ctx, ref, domain.ContentField(field))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(receipts)
				}
				for _, r := range receipts {
					printReceipt(r)
				}
				fmt.Printf("chain verified (%d overwrites)\n", len(receipts))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "verify the overwrite chain of one content field instead")
	return cmd
}

func workOrderCmd() *cobra.Command {
	wo := &cobra.Command{Use: "work-order", Aliases: []string{"wo"}, Short: "Manage work orders"}
	wo.AddCommand(workOrderCreateCmd())
	wo.AddCommand(workOrderListCmd())
	wo.AddCommand(workOrderShowCmd())
	wo.AddCommand(workOrderSignCmd())
	wo.AddCommand(workOrderDescribeCmd())
	wo.AddCommand(historyCmd(domain.KindWorkOrder))
	return wo
}

func workOrderCreateCmd() *cobra.Command {
	var contractor, description string
	var price uint64
	cmd := &cobra.Command{
		Use:   "create <request-id>",
		Short: "Draft a work order as the landlord",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			requestID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.CreateWorkOrder(ctx, engine.WorkOrderOptions{
					Actor:           identity,
					RepairRequestID: requestID,
					Contractor:      contractor,
					AgreedPrice:     price,
					Description:     description,
				})
				if err != nil {
					return err
				}
				return printJSONOrPretty(wo)
			})
		},
	}
	cmd.Flags().StringVar(&contractor, "contractor", "", "contractor identity")
	cmd.Flags().Uint64Var(&price, "price", 0, "agreed price")
	cmd.Flags().StringVar(&description, "description", "", "scope of the work")
	_ = cmd.MarkFlagRequired("contractor")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func workOrderListCmd() *cobra.Command {
	var f repo.WorkOrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Search work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = strings.ToUpper(f.Status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkOrders(ctx, f)
				if err != nil {
					return err
				}
				return printWorkOrders(items)
			})
		},
	}
	cmd.Flags().Uint64Var(&f.RepairRequestID, "request", 0, "repair request id")
	cmd.Flags().StringVar(&f.Contractor, "contractor", "", "contractor filter")
	cmd.Flags().StringVar(&f.Landlord, "landlord", "", "landlord filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "DRAFT or SIGNED")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func workOrderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.GetWorkOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrPretty(wo)
			})
		},
	}
}

func workOrderSignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign a draft work order as landlord or contractor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.SignWorkOrder(ctx, id, identity)
				if err != nil {
					return err
				}
				return printJSONOrPretty(wo)
			})
		},
	}
}

func workOrderDescribeCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "describe <id> <text>",
		Short: "Replace a draft work order's description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := requireIdentity()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.ContentOptions{Actor: identity, Text: args[1]}
			if cmd.Flags().Changed("base") {
				opts.Base = &base
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				_, receipt, err := a.Engine.UpdateWorkOrderDescription(ctx, id, opts)
				if err != nil {
					return err
				}
				printReceipt(receipt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "hash you last read")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [kind/id ...]",
		Short: "Pull entities from the ledger into the projection (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var refs []domain.EntityRef
				for _, arg := range args {
					ref, err := domain.ParseEntityRef(arg)
					if err != nil {
						return err
					}
					refs = append(refs, ref)
				}
				if len(refs) == 0 {
					var err error
					if refs, err = a.Ledger.Refs(ctx); err != nil {
						return err
					}
				}
				n, err := a.Engine.Resync(ctx, refs)
				fmt.Printf("synced %d of %d entities\n", n, len(refs))
				return err
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{Use: "events", Short: "Projection event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "repair_request or work_order")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	evts.AddCommand(tail)
	var once bool
	relay := &cobra.Command{
		Use:   "relay",
		Short: "Relay events to the configured broker and webhooks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if once {
					a.Relay.Tick(ctx)
					return nil
				}
				a.Relay.Run(ctx)
				return nil
			})
		},
	}
	relay.Flags().BoolVar(&once, "once", false, "deliver pending events once and exit")
	evts.AddCommand(relay)
	return evts
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Read the ledger directly"}
	var after uint64
	var limit int
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Print the ledger's global event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Ledger.Log(ctx, after, limit)
				if err != nil {
					return err
				}
				return printHistory(evts)
			})
		},
	}
	logCmd.Flags().Uint64Var(&after, "after", 0, "only events with a higher sequence number")
	logCmd.Flags().IntVar(&limit, "limit", 100, "maximum events")
	l.AddCommand(logCmd)
	l.AddCommand(&cobra.Command{
		Use:   "get <kind/id>",
		Short: "Print the ledger's current state of one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseEntityRef(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Gateway.Get(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrPretty(snap)
			})
		},
	})
	return l
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <identity>",
		Short: "Create an API key for an identity; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := auth.Canonical(args[0])
			if identity == "" {
				return fmt.Errorf("identity required")
			}
			secret := make([]byte, 24)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			key := "rl_" + hex.EncodeToString(secret)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec := domain.APIKey{
					ID:       uuid.NewString(),
					Identity: identity,
					Name:     name,
					KeyHash:  repo.HashAPIKey(key),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "identity": identity, "key": key})
				}
				fmt.Printf("id:  %s\nkey: %s\n", rec.ID, key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	keys.AddCommand(create)

	var forIdentity string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, auth.Canonical(forIdentity))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Identity", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Identity, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&forIdentity, "for", "", "only keys of this identity")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}
