package models

type EntityType string

const (
	EntityAccount  EntityType = "account"
	EntityContact  EntityType = "contact"
	EntityLead     EntityType = "lead"
	EntityDeal     EntityType = "deal"
	EntityCampaign EntityType = "campaign"
	EntityBooking  EntityType = "booking"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EventType is the closed set of notification types a subscription can
// filter on. CRUD events are resolved from (EntityType, Operation) by the
// router; the rest are raised through Router.RaiseEvent only.
type EventType string

const (
	EventAccountCreated  EventType = "account.created"
	EventAccountUpdated  EventType = "account.updated"
	EventAccountDeleted  EventType = "account.deleted"
	EventContactCreated  EventType = "contact.created"
	EventContactUpdated  EventType = "contact.updated"
	EventContactDeleted  EventType = "contact.deleted"
	EventLeadCreated     EventType = "lead.created"
	EventLeadUpdated     EventType = "lead.updated"
	EventLeadDeleted     EventType = "lead.deleted"
	EventDealCreated     EventType = "deal.created"
	EventDealUpdated     EventType = "deal.updated"
	EventDealDeleted     EventType = "deal.deleted"
	EventCampaignCreated EventType = "campaign.created"
	EventCampaignUpdated EventType = "campaign.updated"
	EventCampaignDeleted EventType = "campaign.deleted"
	EventBookingCreated  EventType = "booking.created"

	// Domain events, never inferred from generic CRUD mutations.
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingCancelled EventType = "booking.cancelled"
	EventLeadConverted    EventType = "lead.converted"
	EventDealStageChanged EventType = "deal.stage_changed"
	EventDealWon          EventType = "deal.won"
	EventDealLost         EventType = "deal.lost"
)

var allEvents = map[EventType]struct{}{
	EventAccountCreated:   {},
	EventAccountUpdated:   {},
	EventAccountDeleted:   {},
	EventContactCreated:   {},
	EventContactUpdated:   {},
	EventContactDeleted:   {},
	EventLeadCreated:      {},
	EventLeadUpdated:      {},
	EventLeadDeleted:      {},
	EventDealCreated:      {},
	EventDealUpdated:      {},
	EventDealDeleted:      {},
	EventCampaignCreated:  {},
	EventCampaignUpdated:  {},
	EventCampaignDeleted:  {},
	EventBookingCreated:   {},
	EventBookingConfirmed: {},
	EventBookingCancelled: {},
	EventLeadConverted:    {},
	EventDealStageChanged: {},
	EventDealWon:          {},
	EventDealLost:         {},
}

func (e EventType) Valid() bool {
	_, ok := allEvents[e]
	return ok
}
