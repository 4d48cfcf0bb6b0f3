// Package dispatch liga as camadas do despachante e expõe a API HTTP.
//
// Visão geral (camadas):
//
//   - domain: tipos, contratos e erros (sem net/http)
//   - application: Scheduler, WorkerPool, varredura, status, throttle de clientes
//   - infra: cotas (memória/Redis), filas, stores (memória/SQLite/Redis), executor HTTP, sinks
//   - dispatch (este pacote): montagem das esteiras, handlers HTTP e middlewares
//
// Fluxo de uma submissão:
//
//  1. O middleware de throttle extrai a chave do cliente (header/XFF/IP) e decide
//  2. O middleware de concorrência limita requisições simultâneas
//  3. O handler chama Scheduler.Submit, que persiste a tarefa como pending
//  4. Um worker do serviço espera a cota, chama a API externa e grava o desfecho
//
// O binário cmd/queued lê a configuração do ambiente e monta tudo isso.
package dispatch
