// Package andrzej implements a Discord bot which chats with users in a
// single configured channel, using an OpenAI-compatible chat completion
// API (OpenRouter, by default) and a persona system prompt.
//
// Each user's conversation in a channel is kept in a local database, and
// sent along as context with every new message. Only the most recent
// turns are kept: ConversationStore trims a conversation to its
// retention window whenever turns are added.
//
// Components of the package include:
//
//   - Bot: wires everything together, and runs it.
//   - ConversationStore: bounded, per user and channel chat history.
//   - OpenAI: the chat completion client.
//   - Responder: builds the prompt for a message, and records the exchange.
//   - Discord: gateway event handling, replies and the /clear command.
//   - GiftCodeClient: lists and removes codes on a remote gift code API,
//     mirroring removals in local tables.
//   - API: an optional admin HTTP API.
package andrzej
