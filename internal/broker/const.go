package broker

const (
	// ExchangeTypeName is the exchange type for the order events exchange;
	// direct routing gives each stage queue exactly the keys it is bound to.
	ExchangeTypeName = "direct"

	// Queue arguments wiring each stage queue's dead-letter loop.
	DeadLetterExchangeArg   = "x-dead-letter-exchange"
	DeadLetterRoutingKeyArg = "x-dead-letter-routing-key"
)
