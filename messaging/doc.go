// Package messaging is the send/receive surface of relaybus.
//
// It provides:
//   - Publisher: builds envelopes from messages and sends them through the
//     outbound interceptor chain, or stages them in an outbox
//   - Subscriber: decodes deliveries, runs the inbound chain and invokes the
//     handler for the envelope type through the inbox
//   - Dispatcher: typed command, event and query handlers keyed by Go type,
//     with middleware such as LoggingMiddleware
//   - the transport contract implemented by the packages under transports/
//
// Example usage:
//
//	dispatcher := messaging.NewDispatcher()
//	_ = messaging.RegisterCommand(dispatcher, messaging.CommandHandlerFunc[*CreateUser](
//		func(ctx context.Context, cmd *CreateUser) error {
//			return users.Create(ctx, cmd.Username)
//		}))
//
//	publisher := messaging.NewPublisher(transport)
//	err := publisher.Publish(ctx, &CreateUser{
//		BaseCommand: contracts.NewBaseCommand("CreateUser", "user-service"),
//		Username:    "john.doe",
//	})
//
//	subscriber := messaging.NewSubscriber(transport, inbox.New(store))
//	_ = messaging.SubscribeDispatcher(subscriber, dispatcher, registry, serializer)
//	err = subscriber.Listen(ctx, "relay.commands")
package messaging
