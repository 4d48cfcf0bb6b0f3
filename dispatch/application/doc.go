// Package application contém os casos de uso do agendador: submissão, workers por
// serviço, retry com backoff, recuperação no boot, varredura de limpeza e status.
//
// Ele depende apenas do pacote domain e não conhece HTTP nem bancos.
package application
