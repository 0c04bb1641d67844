package cmd

import (
	"fmt"

	"github.com/agentic-research/knowledge-services/internal/engine"
	"github.com/agentic-research/knowledge-services/internal/logging"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var (
	queryApp     string
	queryTerms   string
	queryAnyTags []string
	queryAllTags []string
	queryIDs     []string
	queryLimit   int
	queryOffset  int
	querySort    string
	queryOrder   string
)

func init() {
	f := queryCmd.Flags()
	f.StringVar(&queryApp, "app", "", "Application ID owning the content")
	f.StringVar(&queryTerms, "terms", "", "Search terms")
	f.StringSliceVar(&queryAnyTags, "tag", nil, "Match records with any of these tags")
	f.StringSliceVar(&queryAllTags, "all-tags", nil, "Match records with all of these tags")
	f.StringSliceVar(&queryIDs, "id", nil, "Match these record IDs")
	f.IntVar(&queryLimit, "limit", 10, "Maximum number of results")
	f.IntVar(&queryOffset, "offset", 0, "Results to skip")
	f.StringVar(&querySort, "sort", "relevance", "relevance, sequence-number or date")
	f.StringVar(&queryOrder, "order", "ascending", "ascending or descending")
	_ = queryCmd.MarkFlagRequired("app")
	rootCmd.AddCommand(queryCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query --app APP_ID [flags]",
	Short: "Run one content query against the local data directories and print JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		sort, err := query.ParseSort(querySort)
		if err != nil {
			return err
		}
		order, err := query.ParseOrder(queryOrder)
		if err != nil {
			return err
		}

		eng, err := engine.New(engine.Config{DataDirs: cfg.DataDirs}, logging.Component(log, "engine"))
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		t := query.New(queryApp,
			query.Terms(queryTerms),
			query.MatchAny(queryAnyTags...),
			query.MatchAll(queryAllTags...),
			query.IDs(queryIDs...),
			query.Limit(queryLimit),
			query.Offset(queryOffset),
			query.SortBy(sort),
			query.OrderBy(order),
		)
		res, err := eng.Query(cmd.Context(), t)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), oj.JSON(resultsDoc(res), 2))
		return nil
	},
}

func resultsDoc(res *query.Results) map[string]any {
	shards := make([]any, 0, len(res.Shards))
	for _, s := range res.Shards {
		shards = append(shards, s)
	}
	models := make([]any, 0, len(res.Models))
	for _, m := range res.Models {
		doc := make(map[string]any, len(m.Fields)+1)
		for k, v := range m.Fields {
			doc[k] = v
		}
		doc["id"] = m.ID
		models = append(models, doc)
	}
	return map[string]any{
		"upper_bound": int64(res.UpperBound),
		"shards":      shards,
		"models":      models,
	}
}
