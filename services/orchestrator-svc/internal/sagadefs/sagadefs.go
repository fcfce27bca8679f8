// Package sagadefs registers the order fulfillment saga definition: the
// fixed step sequence every order goes through after creation.
package sagadefs

import (
	"orderctl/pkg/config"
	"orderctl/pkg/database"
	"orderctl/pkg/outbox"
	"orderctl/pkg/repository"
	"orderctl/pkg/saga"
)

// OrderSagaType is the saga type registered for order fulfillment.
const OrderSagaType = "order"

// Register builds and registers the order fulfillment saga: reserve
// inventory, book a delivery partner, confirm the order. Steps
// compensate in reverse order on failure.
func Register(reg *saga.Registry, inventory saga.InventoryClient, partner saga.PartnerClient, orderRepo repository.OrderRepository, writer *outbox.Writer, db database.DB, cfg config.SagaConfig) {
	reserve := saga.NewReserveInventory(inventory)
	book := saga.NewBookPartner(partner)
	confirm := saga.NewConfirmOrder(orderRepo, writer, db)

	reg.Register(&saga.Definition{
		Type:         OrderSagaType,
		Steps:        []saga.Step{reserve, book, confirm},
		TotalTimeout: cfg.DefaultStepTimeout * 3,
		MaxRetries:   cfg.MaxStepRetries,
	})
}
