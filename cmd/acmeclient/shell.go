package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/abiosoft/ishell"

	"github.com/cpu/acmeclient/acme"
	acmeclient "github.com/cpu/acmeclient/acme/client"
	"github.com/cpu/acmeclient/acme/keys"
	"github.com/cpu/acmeclient/acme/resources"
	"github.com/cpu/acmeclient/solver"
)

const basePrompt = "[ acmeclient ] > "

// runShell drops into an interactive prompt exposing the library's
// operations one command at a time. Orders created in the session are
// addressed by index.
func runShell(ctx context.Context, client *acmeclient.Client, challSolver *solver.InProcessServer, challType string) {
	shell := ishell.New()
	shell.SetPrompt(basePrompt)
	shell.Println("acmeclient interactive shell. Type \"help\" for commands.")

	shell.AddCmd(&ishell.Cmd{
		Name: "getAcct",
		Help: "Print the active account",
		Func: func(c *ishell.Context) {
			acct := client.ActiveAccount
			if acct == nil {
				c.Println("no active account")
				return
			}
			c.Printf("ID: %s\nContact: %s\nStatus: %s\n", acct.ID, acct.Contact, acct.Status)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "newOrder",
		Help: "Create an order: newOrder example.com [more.example.com ...]",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Println("newOrder: at least one domain required")
				return
			}
			var idents []resources.Identifier
			for _, domain := range c.Args {
				idents = append(idents, resources.Identifier{Type: "dns", Value: domain})
			}
			order := &resources.Order{Identifiers: idents}
			if err := client.CreateOrder(ctx, order); err != nil {
				c.Printf("newOrder: %s\n", err)
				return
			}
			c.Printf("order %d: %s (%s)\n", len(client.ActiveAccount.Orders)-1, order.ID, order.Status)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "getOrder",
		Help: "Refresh and print an order: getOrder [index]",
		Func: func(c *ishell.Context) {
			order, err := orderByArgs(ctx, client, c.Args)
			if err != nil {
				c.Printf("getOrder: %s\n", err)
				return
			}
			c.Printf("ID: %s\nStatus: %s\nAuthorizations: %s\nCertificate: %s\n",
				order.ID, order.Status, strings.Join(order.Authorizations, ", "), order.Certificate)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "solve",
		Help: "Run the full issuance flow (new order, challenges, finalize, download) for an order's identifiers: solve [index]",
		Func: func(c *ishell.Context) {
			order, err := orderByArgs(ctx, client, c.Args)
			if err != nil {
				c.Printf("solve: %s\n", err)
				return
			}
			if _, err := issue(ctx, client, challSolver.Solver, identValues(order), challType); err != nil {
				c.Printf("solve: %s\n", err)
				return
			}
			c.Printf("order %s issued\n", order.ID)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "finalize",
		Help: "Finalize a ready order with a fresh CSR: finalize [index]",
		Func: func(c *ishell.Context) {
			order, err := orderByArgs(ctx, client, c.Args)
			if err != nil {
				c.Printf("finalize: %s\n", err)
				return
			}
			csrDER, _, _, err := client.CSR("", identValues(order), "")
			if err != nil {
				c.Printf("finalize: %s\n", err)
				return
			}
			if err := client.FinalizeOrder(ctx, order, csrDER); err != nil {
				c.Printf("finalize: %s\n", err)
				return
			}
			c.Printf("order %s is %s\n", order.ID, order.Status)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "getCert",
		Help: "Download a valid order's PEM chain: getCert [index]",
		Func: func(c *ishell.Context) {
			order, err := orderByArgs(ctx, client, c.Args)
			if err != nil {
				c.Printf("getCert: %s\n", err)
				return
			}
			chain, err := client.DownloadCertificate(ctx, order)
			if err != nil {
				c.Printf("getCert: %s\n", err)
				return
			}
			c.Printf("%s", chain.PEM)
			for _, alt := range chain.Alternates {
				c.Printf("alternate chain: %s\n", alt)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "rollover",
		Help: "Roll the account to a fresh key: rollover [rsa|ecdsa|ecdsa-p384]",
		Func: func(c *ishell.Context) {
			keyType := "ecdsa"
			if len(c.Args) > 0 {
				keyType = c.Args[0]
			}
			newKey, err := keys.NewSigner(keyType)
			if err != nil {
				c.Printf("rollover: %s\n", err)
				return
			}
			if err := client.Rollover(ctx, newKey); err != nil {
				c.Printf("rollover: %s\n", err)
				return
			}
			c.Printf("account %s now uses a fresh %s key\n", client.ActiveAccountID(), keyType)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "poll",
		Help: "Poll an order until it reaches a status: poll [index] [status]",
		Func: func(c *ishell.Context) {
			var statusArgs []string
			order, err := orderByArgs(ctx, client, c.Args)
			if err != nil {
				c.Printf("poll: %s\n", err)
				return
			}
			if len(c.Args) > 1 {
				statusArgs = c.Args[1:]
			} else {
				statusArgs = []string{acme.StatusReady}
			}
			if _, err := client.WaitOrder(ctx, order, statusArgs...); err != nil {
				c.Printf("poll: %s\n", err)
				return
			}
			c.Printf("order %s is %s\n", order.ID, order.Status)
		},
	})

	shell.Run()
}

func orderByArgs(ctx context.Context, client *acmeclient.Client, args []string) (*resources.Order, error) {
	if client.ActiveAccount == nil || len(client.ActiveAccount.Orders) == 0 {
		return nil, fmt.Errorf("no orders created yet")
	}
	index := len(client.ActiveAccount.Orders) - 1
	if len(args) > 0 {
		if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil {
			return nil, fmt.Errorf("bad order index %q", args[0])
		}
	}
	orderURL, err := client.ActiveAccount.OrderURL(index)
	if err != nil {
		return nil, err
	}
	order := &resources.Order{ID: orderURL}
	if err := client.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func identValues(order *resources.Order) []string {
	var vals []string
	for _, ident := range order.Identifiers {
		vals = append(vals, ident.Value)
	}
	return vals
}
