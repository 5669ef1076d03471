// Package task queues chat messages for asynchronous execution.
//
// Service.Submit stores a pending Task and publishes its id on a queue
// (memory, Redis list or RabbitMQ). A Processor consumes ids with a pool of
// workers, claims each task, runs it through the session manager and marks it
// succeeded or failed. Retryable failures return the task to pending and
// republish it until MaxRetries attempts have been made.
package task
