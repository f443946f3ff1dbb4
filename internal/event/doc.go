/*
Package event provides a type-safe, pub/sub event system for the grov-proxy
server.

The event system enables decoupled communication between the HTTP surface,
the session manager, the drift state machine, the task orchestrator, and
the extended cache, by allowing publishers to emit events and subscribers
to react to them without direct dependencies.

# Architecture

The package is built on top of watermill's gochannel. Publish sends each
event through gochannel as a JSON envelope and decodes it back into its
typed Data before delivery; PublishSync calls subscribers directly.

# Event Types

Session Events:
  - session.created: A new session was created for a project
  - session.completed: A session reached a terminal state (idle, task
    complete, or swept for inactivity)
  - session.error: An unrecoverable error occurred while processing a
    session's turn

Turn Events:
  - turn.completed: One proxied request/response cycle finished relaying

Memory Events:
  - memory.injected: Memory previews (or a full reconstruction) were
    written into an outbound request body
  - memory.expanded: The synthetic expand tool resolved a previewed
    memory to its full body

Task Events:
  - task.lifecycle: A task orchestrator verdict changed a task's state
    (new_task, subtask, parallel_task, task_complete, subtask_complete)

Drift Events:
  - drift.detected: A drift check stored a correction for a session;
    State carries the session's mode after the check
  - drift.resolved: A session returned to normal after a correction

Cache Events:
  - cache.keepalive: A sweep of the extended cache's keep-alive ticker
    warmed at least one entry

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	event.Publish(event.Event{
		Type: event.TurnCompleted,
		Data: event.TurnCompletedData{SessionID: sessionID},
	})

	// Synchronous publishing (blocking until all subscribers complete)
	event.PublishSync(event.Event{
		Type: event.DriftDetected,
		Data: event.DriftDetectedData{SessionID: sessionID, State: "drifted"},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.DriftDetected, func(e event.Event) {
		data := e.Data.(event.DriftDetectedData)
		logging.Warn().Str("sessionID", data.SessionID).Msg("drift detected")
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		logging.Debug().Str("type", string(e.Type)).Msg("event received")
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

Subscribers may panic without affecting the publisher: both Publish and
PublishSync recover panics from each subscriber invocation and log them.
Subscribers still SHOULD:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant
    publishing)

Example of a safe subscriber:

	event.SubscribeAll(func(e event.Event) {
	    select {
	    case eventChan <- e:
	        // Event sent successfully
	    default:
	        // Channel full, drop event to avoid blocking
	        logging.Warn().Str("type", string(e.Type)).Msg("event dropped, channel full")
	    }
	})

# Custom Event Bus

For testing or isolation, custom bus instances can be created:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, handler)
	bus.PublishSync(event.Event{Type: event.SessionCreated, Data: data})

# Testing

The package provides utilities for testing:

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple
goroutines. Both publishing and subscribing operations are protected by
internal synchronization.

# Performance Considerations

  - Asynchronous publishing (Publish) creates a goroutine per subscriber
    per event
  - Synchronous publishing (PublishSync) calls all subscribers in the
    current goroutine
  - Use PublishSync for events where subscriber ordering matters before
    the publisher proceeds
  - Use Publish for fire-and-forget notifications off the client response
    path (the proxy publishes turn.completed this way)

# Integration with Watermill

The package uses watermill's gochannel internally, providing access to
the underlying pubsub infrastructure for advanced use cases:

	pubsub := event.PubSub()
	// Use watermill features like middleware, routing, etc.

This allows future migration to a distributed message broker if needed
while keeping the current API.
*/
package event
