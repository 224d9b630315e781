// Package rpc is the network layer of dSync. It connects client replicas of
// a document with the sessions on the server.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, server and client configuration and
//     the logger setup.
//
//   - transport: the connection abstraction and its WebSocket implementation.
//
//   - serializer: conversion between Message objects and frames (binary or
//     JSON).
//
//   - server: the sync server, handshake and room dispatch.
//
//   - client: the Facade an editor embeds to edit a room.
package rpc
