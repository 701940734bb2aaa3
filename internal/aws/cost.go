package aws

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

const costDateLayout = "2006-01-02"

var costMetrics = []string{"UnblendedCost", "BlendedCost", "AmortizedCost", "NetUnblendedCost", "NetAmortizedCost"}

// CostQuery parameterizes a Cost Explorer summary. Empty fields take
// defaults in Normalize.
type CostQuery struct {
	StartDate      string
	EndDate        string
	Granularity    string
	Metric         string
	GroupByService *bool
}

// Normalize fills defaults relative to now and validates the query. The
// default range is the first of the current month through tomorrow; the end
// date is exclusive.
func (q CostQuery) Normalize(now time.Time) (CostQuery, error) {
	const op = "get_cost_explorer_summary"
	now = now.UTC()

	q.Granularity = strings.ToUpper(strings.TrimSpace(q.Granularity))
	if q.Granularity == "" {
		q.Granularity = "MONTHLY"
	}
	if q.Granularity != "DAILY" && q.Granularity != "MONTHLY" {
		return q, core.Errorf(core.KindValidation, op, "granularity must be DAILY or MONTHLY")
	}

	if q.Metric == "" {
		q.Metric = "UnblendedCost"
	}
	known := false
	for _, m := range costMetrics {
		if m == q.Metric {
			known = true
			break
		}
	}
	if !known {
		return q, core.Errorf(core.KindValidation, op, "metric must be one of: %s", strings.Join(costMetrics, ", "))
	}

	if q.StartDate == "" {
		q.StartDate = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(costDateLayout)
	}
	if q.EndDate == "" {
		q.EndDate = now.AddDate(0, 0, 1).Format(costDateLayout)
	}
	start, err1 := time.Parse(costDateLayout, q.StartDate)
	end, err2 := time.Parse(costDateLayout, q.EndDate)
	if err1 != nil || err2 != nil {
		return q, core.Errorf(core.KindValidation, op, "Invalid date format. Use YYYY-MM-DD for start_date/end_date.")
	}
	if !start.Before(end) {
		return q, core.Errorf(core.KindValidation, op, "start_date must be earlier than end_date")
	}

	if q.GroupByService == nil {
		q.GroupByService = aws.Bool(true)
	}
	return q, nil
}

// CostAmount is a rounded amount with its currency.
type CostAmount struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// ServiceCost is one row of the per-service breakdown.
type ServiceCost struct {
	Service string  `json:"service"`
	Amount  float64 `json:"amount"`
}

// CostSummary is the result of get_cost_explorer_summary.
type CostSummary struct {
	StartDate        string        `json:"start_date"`
	EndDateExclusive string        `json:"end_date_exclusive"`
	Granularity      string        `json:"granularity"`
	Metric           string        `json:"metric"`
	TotalCost        CostAmount    `json:"total_cost"`
	ServiceCount     int           `json:"service_count"`
	Services         []ServiceCost `json:"services"`
	Message          string        `json:"message"`
}

// CostSummary queries Cost Explorer. q must already be normalized.
func (f *ClientFactory) CostSummary(ctx context.Context, cred profile.Credential, q CostQuery) (*CostSummary, error) {
	client, err := f.CostExplorer(ctx, cred)
	if err != nil {
		return nil, err
	}
	grouped := q.GroupByService != nil && *q.GroupByService

	in := &costexplorer.GetCostAndUsageInput{
		TimePeriod:  &cetypes.DateInterval{Start: aws.String(q.StartDate), End: aws.String(q.EndDate)},
		Granularity: cetypes.Granularity(q.Granularity),
		Metrics:     []string{q.Metric},
	}
	if grouped {
		in.GroupBy = []cetypes.GroupDefinition{{Type: cetypes.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")}}
	}

	var results []cetypes.ResultByTime
	for {
		var out *costexplorer.GetCostAndUsageOutput
		if err := f.call(cred, "ce", "GetCostAndUsage", "us-east-1", func() (cerr error) {
			out, cerr = client.GetCostAndUsage(ctx, in)
			return cerr
		}); err != nil {
			return nil, fmt.Errorf("GetCostAndUsage: %w", err)
		}
		results = append(results, out.ResultsByTime...)
		if aws.ToString(out.NextPageToken) == "" {
			break
		}
		in.NextPageToken = out.NextPageToken
	}

	s := summarizeCost(results, q.Metric, grouped)
	s.StartDate = q.StartDate
	s.EndDateExclusive = q.EndDate
	s.Granularity = q.Granularity
	return s, nil
}

// summarizeCost totals the periods and builds the per-service breakdown. A
// period without a Total for the metric contributes the sum of its groups.
func summarizeCost(results []cetypes.ResultByTime, metric string, grouped bool) *CostSummary {
	var total float64
	currency := "USD"
	byService := make(map[string]float64)

	for _, r := range results {
		if mv, ok := r.Total[metric]; ok && mv.Amount != nil {
			total += parseAmount(mv.Amount)
			if u := aws.ToString(mv.Unit); u != "" {
				currency = u
			}
		} else {
			for _, g := range r.Groups {
				if mv, ok := g.Metrics[metric]; ok {
					total += parseAmount(mv.Amount)
					if u := aws.ToString(mv.Unit); u != "" {
						currency = u
					}
				}
			}
		}
		for _, g := range r.Groups {
			name := "Unknown"
			if len(g.Keys) > 0 {
				name = g.Keys[0]
			}
			if mv, ok := g.Metrics[metric]; ok {
				byService[name] += parseAmount(mv.Amount)
			}
		}
	}

	services := make([]ServiceCost, 0, len(byService))
	for name, amt := range byService {
		services = append(services, ServiceCost{Service: name, Amount: round4(amt)})
	}
	sort.Slice(services, func(i, j int) bool {
		if services[i].Amount != services[j].Amount {
			return services[i].Amount > services[j].Amount
		}
		return services[i].Service < services[j].Service
	})

	s := &CostSummary{
		Metric:       metric,
		TotalCost:    CostAmount{Amount: round4(total), Currency: currency},
		ServiceCount: len(services),
		Services:     services,
	}
	if grouped {
		s.Message = fmt.Sprintf("Total %s is %.4f %s across %d services.", metric, s.TotalCost.Amount, currency, len(services))
	} else {
		s.Message = fmt.Sprintf("Total %s is %.4f %s.", metric, s.TotalCost.Amount, currency)
	}
	return s
}

func parseAmount(s *string) float64 {
	v, err := strconv.ParseFloat(aws.ToString(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
