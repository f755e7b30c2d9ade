// Package tmgbot implements TheMathGuysBot, a Discord bot for a math
// community server.
//
// The bot answers questions when mentioned, using an OpenAI chat model with
// structured outputs, and keeps a single shared transcript of the server's
// conversation as context. Before answering, messages may be augmented with
// a Gemini web search or a summary of a linked video.
//
// Key components of the package include:
//
//   - Bot: The main struct, wiring everything together and owning the
//     lifecycle (see [New] and [Bot.Run]).
//   - Transcript: The in-memory conversation, with a pinned seed.
//   - Discord: Gateway/REST integration, slash commands and handlers.
//   - OpenAI / Gemini: LLM clients used for answers, classification,
//     diagrams, web search and video summaries.
//   - ReminderScheduler: Persisted, optionally recurring reminders.
//   - API: An admin HTTP API for monitoring and runtime configuration.
//
// Slash commands:
//
//   - /diagrama: Generates a diagram from a description.
//   - /agradecer, /sancionar, /puntos, /puntos-todos: Thankfulness points
//     for helpers.
//   - /fetch-inactive, /mention-inactive, /kick-inactive: Inactive member
//     management (owner only).
//   - /recordatorio, /recordatorios, /cancelar-recordatorio: Reminders.
package tmgbot
