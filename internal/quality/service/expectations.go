package service

import (
	"context"

	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"gorm.io/gorm"
)

const maxSampleKeys = 20

// outcome is the raw measurement of one expectation before thresholds apply.
type outcome struct {
	Evaluated int
	Failed    int
	Sample    []string
}

func (o *outcome) fail(key string) {
	o.Failed++
	if len(o.Sample) < maxSampleKeys && key != "" {
		o.Sample = append(o.Sample, key)
	}
}

type checkEnv struct {
	db        *gorm.DB
	customers customerdomain.Repository
	orders    orderdomain.Repository
	batch     *normalizer.Batch
}

type expectation struct {
	Name   string
	Source partitiondomain.SourceType
	Check  func(ctx context.Context, env checkEnv) (outcome, error)
}

var expectations = []expectation{
	{Name: "customers.mobile_not_null", Source: partitiondomain.SourceCustomers, Check: customersMobileNotNull},
	{Name: "customers.region_enum", Source: partitiondomain.SourceCustomers, Check: customersRegionEnum},
	{Name: "customers.identity_unique", Source: partitiondomain.SourceCustomers, Check: customersIdentityUnique},
	{Name: "customers.reject_ratio", Source: partitiondomain.SourceCustomers, Check: rejectRatio},
	{Name: "orders.amount_positive", Source: partitiondomain.SourceOrders, Check: ordersAmountPositive},
	{Name: "orders.mobile_not_null", Source: partitiondomain.SourceOrders, Check: ordersMobileNotNull},
	{Name: "orders.timestamp_not_null", Source: partitiondomain.SourceOrders, Check: ordersTimestampNotNull},
	{Name: "orders.status_enum", Source: partitiondomain.SourceOrders, Check: ordersStatusEnum},
	{Name: "orders.customer_exists", Source: partitiondomain.SourceOrders, Check: ordersCustomerExists},
	{Name: "orders.id_unique", Source: partitiondomain.SourceOrders, Check: ordersIDUnique},
	{Name: "orders.reject_ratio", Source: partitiondomain.SourceOrders, Check: rejectRatio},
}

func customersMobileNotNull(_ context.Context, env checkEnv) (outcome, error) {
	var out outcome
	for _, c := range env.batch.Customers {
		out.Evaluated++
		if c.MobileNumber == "" {
			out.fail(c.CustomerID)
		}
	}
	return out, nil
}

func customersRegionEnum(_ context.Context, env checkEnv) (outcome, error) {
	allowed := setOf(append([]string{customerdomain.RegionUnknown}, customerdomain.Regions...))
	var out outcome
	for _, c := range env.batch.Customers {
		out.Evaluated++
		if _, ok := allowed[c.Region]; !ok {
			out.fail(c.CustomerID)
		}
	}
	return out, nil
}

func customersIdentityUnique(ctx context.Context, env checkEnv) (outcome, error) {
	var out outcome
	if len(env.batch.Customers) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(env.batch.Customers))
	mobiles := make([]string, 0, len(env.batch.Customers))
	for _, c := range env.batch.Customers {
		ids = append(ids, c.CustomerID)
		mobiles = append(mobiles, c.MobileNumber)
	}
	owners, err := env.customers.OwnersOf(ctx, env.db, ids, mobiles, env.batch.Key.Date)
	if err != nil {
		return out, err
	}
	ownedIDs := make(map[string]struct{}, len(owners))
	ownedMobiles := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		ownedIDs[o.CustomerID] = struct{}{}
		ownedMobiles[o.MobileNumber] = struct{}{}
	}
	for _, c := range env.batch.Customers {
		out.Evaluated++
		_, idTaken := ownedIDs[c.CustomerID]
		_, mobileTaken := ownedMobiles[c.MobileNumber]
		if idTaken || mobileTaken {
			out.fail(c.CustomerID)
		}
	}
	return out, nil
}

func ordersAmountPositive(_ context.Context, env checkEnv) (outcome, error) {
	var out outcome
	for _, o := range env.batch.Orders {
		out.Evaluated++
		if o.TotalAmountCents <= 0 {
			out.fail(o.OrderID)
		}
	}
	return out, nil
}

func ordersMobileNotNull(_ context.Context, env checkEnv) (outcome, error) {
	var out outcome
	for _, o := range env.batch.Orders {
		out.Evaluated++
		if o.MobileNumber == "" {
			out.fail(o.OrderID)
		}
	}
	return out, nil
}

func ordersTimestampNotNull(_ context.Context, env checkEnv) (outcome, error) {
	var out outcome
	for _, o := range env.batch.Orders {
		out.Evaluated++
		if o.OrderDateTime.IsZero() {
			out.fail(o.OrderID)
		}
	}
	return out, nil
}

func ordersStatusEnum(_ context.Context, env checkEnv) (outcome, error) {
	allowed := setOf(orderdomain.Statuses)
	var out outcome
	for _, o := range env.batch.Orders {
		out.Evaluated++
		if _, ok := allowed[o.Status]; !ok {
			out.fail(o.OrderID)
		}
	}
	return out, nil
}

func ordersCustomerExists(ctx context.Context, env checkEnv) (outcome, error) {
	var out outcome
	if len(env.batch.Orders) == 0 {
		return out, nil
	}
	mobiles := make([]string, 0, len(env.batch.Orders))
	for _, o := range env.batch.Orders {
		mobiles = append(mobiles, o.MobileNumber)
	}
	known, err := env.customers.KnownMobiles(ctx, env.db, mobiles, env.batch.Key.Date)
	if err != nil {
		return out, err
	}
	for _, o := range env.batch.Orders {
		out.Evaluated++
		if _, ok := known[o.MobileNumber]; !ok {
			out.fail(o.OrderID)
		}
	}
	return out, nil
}

func ordersIDUnique(ctx context.Context, env checkEnv) (outcome, error) {
	var out outcome
	if len(env.batch.Orders) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(env.batch.Orders))
	for _, o := range env.batch.Orders {
		ids = append(ids, o.OrderID)
	}
	owners, err := env.orders.OwnersOf(ctx, env.db, ids, env.batch.Key.Date)
	if err != nil {
		return out, err
	}
	owned := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		owned[o.OrderID] = struct{}{}
	}
	for _, o := range env.batch.Orders {
		out.Evaluated++
		if _, ok := owned[o.OrderID]; ok {
			out.fail(o.OrderID)
		}
	}
	return out, nil
}

func rejectRatio(_ context.Context, env checkEnv) (outcome, error) {
	rejected := len(env.batch.Rejects)
	out := outcome{Evaluated: rejected + env.batch.Accepted(), Failed: rejected}
	for _, r := range env.batch.Rejects {
		if len(out.Sample) >= maxSampleKeys {
			break
		}
		out.Sample = append(out.Sample, string(r.Reason))
	}
	return out, nil
}

func setOf(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
