// Package domain define os tipos e contratos do agendador de chamadas externas com cota.
//
// Este pacote não depende de net/http, de bancos nem de implementações concretas.
// Task, Limits e Decision descrevem o modelo; TaskStore, QuotaTracker, DispatchQueue,
// SlotPool, Executor e ResultSink são as portas que a camada application consome e a
// camada infra implementa.
package domain
