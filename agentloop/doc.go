// Package agentloop implements the conversation state machine: it mediates
// between user input, the model client, and tool execution, persisting a
// checkpoint after every transition so a session can be resumed from its
// last durable state after a crash.
//
// A Session owns one thread. Send runs one full turn: the user message is
// appended and checkpointed, the model is called (with bounded retry), tool
// calls are dispatched and their results checkpointed individually, and the
// loop repeats until the model replies without tool calls or the round cap
// is hit. Resume rebuilds a Session from the latest checkpoint; Continue
// finishes a turn that was interrupted mid-flight.
package agentloop
