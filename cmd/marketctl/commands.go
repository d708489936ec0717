package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/datamarket/datamarket-go/internal/contracts"
	"github.com/datamarket/datamarket-go/internal/model"
)

// jobView mirrors the publish job document served by marketd.
type jobView struct {
	ID        string               `json:"id"`
	Owner     string               `json:"owner"`
	Progress  model.UploadProgress `json:"progress"`
	Result    *model.PublishResult `json:"result,omitempty"`
	StartedAt time.Time            `json:"startedAt"`
}

// receiptView is a transaction receipt with its explorer link.
type receiptView struct {
	Receipt struct {
		Digest    string `json:"digest"`
		ListingID string `json:"listingId"`
		DatasetID string `json:"datasetId"`
		ProfileID string `json:"profileId"`
	} `json:"receipt"`
	ExplorerURL string `json:"explorerUrl"`
}

func explorer(cctx *cli.Context, kind, id string) string {
	return contracts.ExplorerURL(cctx.String("network"), kind, id)
}

func requireArg(cctx *cli.Context, name string) (string, error) {
	if cctx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one argument: <%s>", name)
	}
	return cctx.Args().First(), nil
}

var marketplaceCmd = &cli.Command{
	Name:  "marketplace",
	Usage: "list datasets currently for sale",
	Action: func(cctx *cli.Context) error {
		var page model.MarketplacePage
		if err := newClient(cctx).get(cctx.Context, "/v1/marketplace", nil, &page); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DATASET\tTITLE\tCATEGORY\tPRICE (SUI)\tSELLER\tLISTING")
		for _, d := range page.Datasets {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				d.Record.ID, d.Record.Title, d.Record.Category,
				contracts.FormatSUI(d.Listing.Price),
				contracts.TruncateAddress(d.Listing.Seller), d.Listing.ID)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, f := range page.Failures {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %s\n", f.Ref, f.Error)
		}
		return nil
	},
}

var datasetCmd = &cli.Command{
	Name:      "dataset",
	Usage:     "show one dataset",
	ArgsUsage: "<dataset-id>",
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "dataset-id")
		if err != nil {
			return err
		}
		var d model.DatasetDetail
		if err := newClient(cctx).get(cctx.Context, "/v1/datasets/"+url.PathEscape(id), nil, &d); err != nil {
			return err
		}
		fmt.Printf("Title:       %s\n", d.Record.Title)
		fmt.Printf("Description: %s\n", d.Record.Description)
		fmt.Printf("Category:    %s\n", d.Record.Category)
		fmt.Printf("File:        %s, %d bytes\n", d.Record.FileType, d.Record.FileSize)
		fmt.Printf("Creator:     %s\n", contracts.TruncateAddress(d.Record.Creator))
		fmt.Printf("Verified:    %t\n", d.Record.Verified)
		fmt.Printf("SHA-256:     %s\n", d.Record.VerificationHash)
		if d.Metadata != nil {
			fmt.Printf("License:     %s\n", d.Metadata.License)
			fmt.Printf("File name:   %s\n", d.Metadata.FileName)
		}
		if d.Listing != nil {
			fmt.Printf("Price:       %s SUI (listing %s)\n", contracts.FormatSUI(d.Listing.Price), d.Listing.ID)
		} else {
			fmt.Println("Price:       not for sale")
		}
		fmt.Printf("Explorer:    %s\n", explorer(cctx, "object", d.Record.ID))
		return nil
	},
}

var profileCmd = &cli.Command{
	Name:      "profile",
	Usage:     "show the profile of an address",
	ArgsUsage: "<address>",
	Action: func(cctx *cli.Context) error {
		addr, err := requireArg(cctx, "address")
		if err != nil {
			return err
		}
		var p model.Profile
		if err := newClient(cctx).get(cctx.Context, "/v1/profiles/"+url.PathEscape(addr), nil, &p); err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", p.Username, contracts.TruncateAddress(p.Owner))
		if p.Bio != "" {
			fmt.Println(p.Bio)
		}
		fmt.Printf("Verification: %s\n", p.VerificationLevel)
		fmt.Printf("Datasets: %d  Sales: %d  Revenue: %s SUI  Rating: %.1f\n",
			p.TotalDatasets, p.TotalSales, contracts.FormatSUI(p.TotalRevenue), p.Rating())
		fmt.Printf("Explorer: %s\n", explorer(cctx, "address", p.Owner))
		return nil
	},
}

var quoteCmd = &cli.Command{
	Name:      "quote",
	Usage:     "show what buying a listing costs",
	ArgsUsage: "<listing-id>",
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "listing-id")
		if err != nil {
			return err
		}
		var q struct {
			Display map[string]string `json:"display"`
		}
		if err := newClient(cctx).get(cctx.Context, "/v1/listings/"+url.PathEscape(id)+"/quote", nil, &q); err != nil {
			return err
		}
		fmt.Printf("Price:        %s SUI\n", q.Display["price"])
		fmt.Printf("Platform fee: %s SUI\n", q.Display["platformFee"])
		fmt.Printf("Gas reserve:  %s SUI\n", q.Display["gasReserve"])
		fmt.Printf("Total:        %s SUI\n", q.Display["total"])
		return nil
	},
}

var buyCmd = &cli.Command{
	Name:  "buy",
	Usage: "purchase access to a dataset",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "listing", Usage: "listing id", Required: true},
		&cli.StringFlag{Name: "dataset", Usage: "dataset id, checked against the listing"},
		&cli.StringFlag{Name: "coin", Usage: "coin object to pay with"},
	},
	Action: func(cctx *cli.Context) error {
		body := map[string]string{
			"listingId": cctx.String("listing"),
			"datasetId": cctx.String("dataset"),
			"coinId":    cctx.String("coin"),
		}
		var res struct {
			Receipt     model.PurchaseResult `json:"receipt"`
			ExplorerURL string               `json:"explorerUrl"`
		}
		if err := newClient(cctx).do(cctx.Context, "POST", "/v1/purchases", nil, body, &res); err != nil {
			return err
		}
		fmt.Printf("Purchased dataset %s for %s SUI\n", res.Receipt.DatasetID, contracts.FormatSUI(res.Receipt.Quote.Total))
		fmt.Printf("Transaction: %s\n", res.ExplorerURL)
		return nil
	},
}

var accessCmd = &cli.Command{
	Name:      "access",
	Usage:     "check whether the session wallet may download a dataset",
	ArgsUsage: "<dataset-id>",
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "dataset-id")
		if err != nil {
			return err
		}
		var res struct {
			Access string `json:"access"`
		}
		if err := newClient(cctx).get(cctx.Context, "/v1/datasets/"+url.PathEscape(id)+"/access", nil, &res); err != nil {
			return err
		}
		fmt.Println(res.Access)
		return nil
	},
}

var downloadCmd = &cli.Command{
	Name:      "download",
	Usage:     "download a purchased dataset and verify its hash",
	ArgsUsage: "<dataset-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "dataset-id")
		if err != nil {
			return err
		}
		out := cctx.String("out")
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		n, integrity, err := newClient(cctx).download(cctx.Context, id, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil && integrity != "verified" {
			err = fmt.Errorf("integrity check %s", strconv.Quote(integrity))
		}
		if err != nil {
			os.Remove(out)
			return err
		}
		fmt.Printf("Wrote %d bytes to %s (hash verified)\n", n, out)
		return nil
	},
}

var publishCmd = &cli.Command{
	Name:      "publish",
	Usage:     "upload and mint a dataset",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "title", Required: true},
		&cli.StringFlag{Name: "description", Required: true},
		&cli.StringFlag{Name: "category", Required: true},
		&cli.StringFlag{Name: "license", Value: "CC-BY-4.0"},
		&cli.StringFlag{Name: "file-type", Usage: "defaults to the category of the file extension"},
		&cli.StringFlag{Name: "price", Usage: "listing price in SUI"},
		&cli.BoolFlag{Name: "list", Usage: "list on the marketplace after minting"},
		&cli.DurationFlag{Name: "poll", Value: time.Second, Usage: "progress polling interval"},
	},
	Action: func(cctx *cli.Context) error {
		path, err := requireArg(cctx, "file")
		if err != nil {
			return err
		}
		fields := map[string]string{
			"title":       cctx.String("title"),
			"description": cctx.String("description"),
			"category":    cctx.String("category"),
			"license":     cctx.String("license"),
			"fileType":    cctx.String("file-type"),
			"list":        strconv.FormatBool(cctx.Bool("list")),
		}
		if p := cctx.String("price"); p != "" {
			if _, err := contracts.ParseSUI(p); err != nil {
				return fmt.Errorf("invalid price %q: %w", p, err)
			}
			fields["price"] = p
		}

		client := newClient(cctx)
		jobID, err := client.upload(cctx.Context, path, fields)
		if err != nil {
			return err
		}
		job, err := client.waitJob(cctx.Context, jobID, cctx.Duration("poll"), func(j jobView) {
			fmt.Printf("[%3d%%] %s: %s\n", j.Progress.Progress, j.Progress.Stage, j.Progress.Message)
		})
		if err != nil {
			return err
		}
		if job.Progress.Stage == model.StageError {
			return fmt.Errorf("publish failed at %s: %s", job.Progress.FailedStage, job.Progress.Error)
		}
		if job.Result == nil {
			return fmt.Errorf("publish job %s finished without a result", jobID)
		}
		fmt.Printf("Dataset %s\n", job.Result.RecordID)
		fmt.Printf("Transaction: %s\n", explorer(cctx, "txblock", job.Result.TransactionDigest))
		if job.Result.ListingID != "" {
			fmt.Printf("Listing %s\n", job.Result.ListingID)
		}
		return nil
	},
}

var listCmd = &cli.Command{
	Name:      "list",
	Usage:     "put an owned dataset up for sale",
	ArgsUsage: "<dataset-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "price", Usage: "price in SUI", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "dataset-id")
		if err != nil {
			return err
		}
		var res receiptView
		body := map[string]string{"datasetId": id, "price": cctx.String("price")}
		if err := newClient(cctx).do(cctx.Context, "POST", "/v1/listings", nil, body, &res); err != nil {
			return err
		}
		fmt.Printf("Listing %s\nTransaction: %s\n", res.Receipt.ListingID, res.ExplorerURL)
		return nil
	},
}

var repriceCmd = &cli.Command{
	Name:      "reprice",
	Usage:     "change the price of a listing",
	ArgsUsage: "<listing-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "price", Usage: "new price in SUI", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "listing-id")
		if err != nil {
			return err
		}
		var res receiptView
		body := map[string]string{"price": cctx.String("price")}
		if err := newClient(cctx).do(cctx.Context, "PATCH", "/v1/listings/"+url.PathEscape(id), nil, body, &res); err != nil {
			return err
		}
		fmt.Printf("Transaction: %s\n", res.ExplorerURL)
		return nil
	},
}

var delistCmd = &cli.Command{
	Name:      "delist",
	Usage:     "withdraw a listing",
	ArgsUsage: "<listing-id>",
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "listing-id")
		if err != nil {
			return err
		}
		var res receiptView
		if err := newClient(cctx).do(cctx.Context, "DELETE", "/v1/listings/"+url.PathEscape(id), nil, nil, &res); err != nil {
			return err
		}
		fmt.Printf("Transaction: %s\n", res.ExplorerURL)
		return nil
	},
}

var activityCmd = &cli.Command{
	Name:  "activity",
	Usage: "show what the session wallet did through this daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "kind", Usage: "filter by activity kind, e.g. dataset.purchased"},
		&cli.IntFlag{Name: "limit", Value: 20},
		&cli.StringFlag{Name: "cursor"},
	},
	Action: func(cctx *cli.Context) error {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(cctx.Int("limit")))
		if k := cctx.String("kind"); k != "" {
			q.Set("kind", k)
		}
		if c := cctx.String("cursor"); c != "" {
			q.Set("cursor", c)
		}
		var res model.ListActivityResult
		if err := newClient(cctx).get(cctx.Context, "/v1/activity", q, &res); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tKIND\tREF\tAMOUNT (SUI)\tDIGEST")
		for _, a := range res.Entries {
			amount := "-"
			if a.Amount > 0 {
				amount = contracts.FormatSUI(a.Amount)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				a.OccurredAt.Local().Format(time.DateTime), a.Kind, a.Ref, amount, a.Digest)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if res.NextCursor != "" {
			fmt.Printf("\nmore: --cursor %s\n", res.NextCursor)
		}
		return nil
	},
}
