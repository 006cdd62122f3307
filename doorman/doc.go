// Package doorman implements a Discord bot that manages club membership,
// verifying members against a roster database and granting or revoking the
// configured member role as memberships begin and lapse.
//
// Doorman is designed for clubs that keep their member list in a relational
// database: members verify themselves in Discord with the email address they
// registered with, receive the member role, get a direct message when their
// membership is about to expire, and are swept out again once it has.
//
// Key components of the package include:
//
//   - Doorman: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the gateway session and slash command processing.
//   - MemberCache: An in-memory snapshot of the membership roster.
//   - Scheduler: Runs the cron-driven expiration notice and cleanup sweeps.
//   - API: Provides a backend API for bot management and monitoring.
//   - Database: Handles data persistence and retrieval.
//
// The bot supports various commands:
//
//   - /verify: Matches the caller's email against the roster and grants
//     the member role.
//   - /check-expiring, /cleanup-expired: Run the membership sweeps on demand.
//   - /check-my-id, /check-role, /fix-discord-ids: Admin diagnostics and
//     record repair.
//   - /8ball, /cat, /flip, /ping, /whoami, /commands: Community extras.
//
// Doorman also includes rate limiting on roster refreshes, hot-reloadable
// runtime configuration, and extensive logging to ensure smooth operation
// and easy troubleshooting.
package doorman
