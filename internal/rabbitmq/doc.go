// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport:
// a reconnecting connection manager, a channel pool, a confirming publisher,
// a blocking consumer and the exchange/queue topology the relay declares.
package rabbitmq
