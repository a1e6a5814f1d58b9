package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/indexer"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage/table"
	"github.com/oriys/jobhost/internal/triggers"
)

// Order is the queue message the sample order pipeline works on.
type Order struct {
	ID       string   `json:"id"`
	Customer string   `json:"customer"`
	Total    float64  `json:"total"`
	Items    []string `json:"items"`
}

// OrderRecord is the table row written for every processed order.
type OrderRecord struct {
	Customer  string    `json:"customer"`
	Total     float64   `json:"total"`
	Processed time.Time `json:"processed"`
}

// sampleCatalog registers the functions jobhost hosts out of the box.
func sampleCatalog() indexer.Catalog {
	return indexer.NewCatalog("samples",
		indexer.Registration{
			Name: "ProcessOrder",
			Func: func(ctx context.Context, order Order, id string, log io.Writer,
				receipt *string, record *OrderRecord, shipping *binding.Collector[string]) error {
				fmt.Fprintf(log, "processing order %s for %s", id, order.Customer)
				*receipt = fmt.Sprintf("order %s: %d item(s), total %.2f", id, len(order.Items), order.Total)
				*record = OrderRecord{Customer: order.Customer, Total: order.Total, Processed: time.Now().UTC()}
				for _, item := range order.Items {
					if err := shipping.Add(order.ID + ":" + item); err != nil {
						return err
					}
				}
				return nil
			},
			Parameters: []indexer.Parameter{
				indexer.P("ctx"),
				indexer.P("order", triggers.QueueTrigger{QueueName: "orders"}),
				indexer.P("id"),
				indexer.P("log"),
				indexer.P("receipt", binding.Blob{Path: "receipts/{id}.txt"}),
				indexer.P("record", binding.Table{TableName: "orders", PartitionKey: "{customer}", RowKey: "{id}"}),
				indexer.P("shipping", binding.ServiceBus{EntityPath: "shipping"}),
			},
		},
		indexer.Registration{
			Name: "IndexUpload",
			Func: func(content string, name string, words *binding.Collector[string]) error {
				for _, w := range strings.Fields(content) {
					if err := words.Add(name + ":" + strings.ToLower(w)); err != nil {
						return err
					}
				}
				return nil
			},
			Parameters: []indexer.Parameter{
				indexer.P("content", triggers.BlobTrigger{Path: "uploads/{name}.txt"}),
				indexer.P("name"),
				indexer.P("words", binding.Queue{QueueName: "words"}),
			},
		},
		indexer.Registration{
			Name: "AuditShipping",
			Func: func(ctx context.Context, msg *servicebus.Message, b binding.Binder) error {
				audit, err := binding.BindAs[*table.Client](ctx, b, binding.Table{TableName: "audit"})
				if err != nil {
					return err
				}
				return audit.Put(ctx, "shipping", msg.MessageID, map[string]any{
					"body":           string(msg.Body),
					"delivery_count": msg.DeliveryCount,
				})
			},
			Parameters: []indexer.Parameter{
				indexer.P("ctx"),
				indexer.P("msg", triggers.ServiceBusTrigger{QueueName: "shipping"}),
				indexer.P("b"),
			},
		},
		indexer.Registration{
			Name: "Heartbeat",
			Func: func(timer *triggers.TimerInfo, log io.Writer) {
				fmt.Fprintf(log, "heartbeat (past due: %t)", timer.IsPastDue)
			},
			Parameters: []indexer.Parameter{
				indexer.P("timer", triggers.TimerTrigger{Schedule: "0 */5 * * * *"}),
				indexer.P("log"),
			},
		},
		indexer.Registration{
			Name: "Greet",
			Func: func(name string, log io.Writer, out *string) {
				fmt.Fprintf(log, "hello %s", name)
				*out = "hello " + name
			},
			Parameters: []indexer.Parameter{
				indexer.P("name"),
				indexer.P("log"),
				indexer.P("out", binding.Blob{Path: "greetings/{name}.txt"}),
			},
			NoAutomaticTrigger: true,
		},
	)
}
