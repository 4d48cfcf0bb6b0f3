// Package infra contém as implementações concretas dos contratos do pacote domain.
//
// Exemplos:
//   - MemoryQuota / RedisQuota: janelas fixas de cota (minuto, hora, dia)
//   - Queue: backlog FIFO por serviço com retries na frente
//   - ChanPool: semáforo das vagas de worker
//   - MemoryTaskStore / SQLiteTaskStore / RedisTaskStore: registro das tarefas
//   - HTTPExecutor: chamada à API externa com classificação de erro
//   - ClientBuckets: token bucket por cliente (golang.org/x/time/rate) para a API HTTP
package infra
